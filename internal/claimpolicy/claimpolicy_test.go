// Copyright 2025 James Ross
package claimpolicy

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsUnknownSortBy(t *testing.T) {
	p := Params{SortBy: "dedupe_key", SortOrder: "ASC"}
	err := p.Validate()
	require.Error(t, err)
}

func TestValidateRejectsBadSortOrder(t *testing.T) {
	p := Params{SortBy: "priority", SortOrder: "sideways"}
	err := p.Validate()
	require.Error(t, err)
}

func TestBuildClaimSelectHappyPath(t *testing.T) {
	p := Params{SortBy: "priority", SortOrder: "DESC"}
	q, err := BuildClaimSelect(p, sq.Dollar)
	require.NoError(t, err)

	sqlStr, args, err := q.ToSql()
	require.NoError(t, err)
	require.Contains(t, sqlStr, "ORDER BY tasks.priority DESC")
	require.Contains(t, sqlStr, "FOR UPDATE SKIP LOCKED")
	require.Contains(t, sqlStr, "$1")
	require.Len(t, args, 1)
}

func TestBuildClaimSelectWithTypeFilterAndPattern(t *testing.T) {
	typeID := int64(7)
	p := Params{TaskTypeID: &typeID, TypePattern: "Prism%", SortBy: "created_at", SortOrder: "ASC"}
	q, err := BuildClaimSelect(p, sq.Dollar)
	require.NoError(t, err)

	sqlStr, args, err := q.ToSql()
	require.NoError(t, err)
	require.Contains(t, sqlStr, "JOIN task_types")
	require.Contains(t, sqlStr, "task_types.name LIKE")
	require.Len(t, args, 3)
}

func TestBuildClaimSelectRejectsBadInput(t *testing.T) {
	p := Params{SortBy: "'; DROP TABLE tasks; --", SortOrder: "ASC"}
	_, err := BuildClaimSelect(p, sq.Dollar)
	require.Error(t, err)
}
