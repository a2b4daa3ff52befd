package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	rows   []TimelineRow
	params WindowParams
}

func (s *stubRepo) TimelineWindow(_ context.Context, params WindowParams) ([]TimelineRow, error) {
	s.params = params
	start := int(params.OffsetRows)
	if start > len(s.rows) {
		return nil, nil
	}
	end := start + int(params.LimitRows)
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return s.rows[start:end], nil
}

func (s *stubRepo) TimelineAll(_ context.Context, params WindowParams) ([]TimelineRow, error) {
	s.params = params
	return s.rows, nil
}

func makeRows(n int) []TimelineRow {
	rows := make([]TimelineRow, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range rows {
		rows[i] = TimelineRow{At: base.Add(time.Duration(i) * time.Minute), Actor: "ana", Action: "recon_match", Entity: "reconciliations"}
	}
	return rows
}

func TestTimelinePaging(t *testing.T) {
	repo := &stubRepo{rows: makeRows(25)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 20})
	require.NoError(t, err)
	require.Len(t, result.Rows, 20)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
	require.Zero(t, result.Paging.PrevPage)

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 20})
	require.NoError(t, err)
	require.Len(t, result.Rows, 5)
	require.False(t, result.Paging.HasNext)
	require.Equal(t, 1, result.Paging.PrevPage)
}

func TestTimelineCapsPageSize(t *testing.T) {
	repo := &stubRepo{rows: makeRows(80)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 500})
	require.NoError(t, err)
	require.Len(t, result.Rows, 50)
	require.EqualValues(t, 51, repo.params.LimitRows)
}

func TestTimelineFiltersMapToParams(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.Timeline(context.Background(), TimelineFilters{From: from, Actor: " ana ", Entity: "reconciliations"})
	require.NoError(t, err)

	require.True(t, repo.params.FromAt.Valid)
	require.Equal(t, from, repo.params.FromAt.Time)
	require.False(t, repo.params.ToAt.Valid)
	require.True(t, repo.params.Actor.Valid)
	require.Equal(t, "ana", repo.params.Actor.String)
	require.False(t, repo.params.Action.Valid)
}

func TestExportSkipsPaging(t *testing.T) {
	repo := &stubRepo{rows: makeRows(75)}
	svc := NewService(repo)

	rows, err := svc.Export(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	require.Len(t, rows, 75)
}
