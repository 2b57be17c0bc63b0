package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslatePostgresDollarPlaceholders(t *testing.T) {
	gen := postgresGenerator{}
	got := Translate(gen, `SELECT [id] FROM [projects] WHERE [name] = ? AND [status] = ?`, ParamStyleDollar)
	assert.Equal(t, `SELECT "id" FROM "projects" WHERE "name" = $1 AND "status" = $2`, got)
}

func TestTranslateMySQLBacktickQuoting(t *testing.T) {
	gen := mysqlGenerator{}
	got := Translate(gen, `SELECT [id] FROM [projects] WHERE [name] = ?`, ParamStyleQuestion)
	assert.Equal(t, "SELECT `id` FROM `projects` WHERE `name` = ?", got)
}

func TestTranslateEscapedLiteralQuestionMark(t *testing.T) {
	gen := sqliteGenerator{}
	got := Translate(gen, `SELECT [payload] FROM [jobs] WHERE [payload] LIKE '%??%' AND [id] = ?`, ParamStyleQuestion)
	assert.Equal(t, `SELECT "payload" FROM "jobs" WHERE "payload" LIKE '%?%' AND "id" = ?`, got)
}
