package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func projectDescriptor() Descriptor {
	return Descriptor{
		TableName: "projects",
		Fields: []Field{
			{Name: "name", DeclaredType: "text", Nullable: false},
			{Name: "docker_hub_user", DeclaredType: "text", Nullable: true, RenamedFrom: "docker_user"},
		},
		KeepHistory: true,
	}
}

func TestFingerprintDeterministicAcrossDeclarationOrder(t *testing.T) {
	r1 := NewRegistry()
	r1.Register(projectDescriptor())

	d2 := projectDescriptor()
	d2.Fields[0], d2.Fields[1] = d2.Fields[1], d2.Fields[0]
	r2 := NewRegistry()
	r2.Register(d2)

	fp1, err := r1.Fingerprint()
	require.NoError(t, err)
	fp2, err := r2.Fingerprint()
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2, "field declaration order must not affect the fingerprint")
	assert.Len(t, fp1, 64, "sha256 hex digest is 64 chars")
}

func TestFingerprintChangesWithSchema(t *testing.T) {
	r := NewRegistry()
	r.Register(projectDescriptor())
	fp1, err := r.Fingerprint()
	require.NoError(t, err)

	d := projectDescriptor()
	d.Fields = append(d.Fields, Field{Name: "archived", DeclaredType: "boolean"})
	r.Register(d)
	fp2, err := r.Fingerprint()
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestAllColumnNamesPrefixesSystemColumns(t *testing.T) {
	d := projectDescriptor()
	all := d.AllColumnNames()
	assert.Equal(t, append(append([]string{}, SystemColumns...), "name", "docker_hub_user"), all)
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nope")
	assert.False(t, ok)
}
