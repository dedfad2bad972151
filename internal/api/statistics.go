package api

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"homestats/internal/importer"
	"homestats/internal/metadata"
	"homestats/internal/query"
	"homestats/internal/storage"
	"homestats/internal/taskqueue"
)

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFloatQuery(c *gin.Context, name string) (float64, bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// handleStatisticsDuringPeriod implements GET /api/statistics
// (spec.md §4.5 statistics_during_period).
func (s *Server) handleStatisticsDuringPeriod(c *gin.Context) {
	start, ok, err := parseFloatQuery(c, "start")
	if err != nil || !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start is required and must be a unix timestamp"})
		return
	}
	var end *float64
	if v, has, err := parseFloatQuery(c, "end"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must be a unix timestamp"})
		return
	} else if has {
		end = &v
	}

	period := query.Period(c.DefaultQuery("period", string(query.Hour)))
	ids := splitCSV(c.Query("statistic_ids"))
	types := parseTypes(c.Query("types"))

	res, err := s.Query.StatisticsDuringPeriod(c.Request.Context(), query.Request{
		Start: start, End: end, StatisticIDs: ids, Period: period, Types: types,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func parseTypes(raw string) query.Types {
	if raw == "" {
		return nil
	}
	t := make(query.Types)
	for _, name := range splitCSV(raw) {
		t[name] = true
	}
	return t
}

// handleLastStatistics implements GET /api/statistics/last (spec.md
// §4.5 last_statistics / last_short_term_statistics, selected by
// ?period=5minute|hour).
func (s *Server) handleLastStatistics(c *gin.Context) {
	ids := splitCSV(c.Query("statistic_ids"))
	n := 1
	if raw := c.Query("number_of_stats"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	types := parseTypes(c.Query("types"))

	var res map[string][]query.StatRow
	var err error
	switch {
	case c.Query("period") == string(query.FiveMinute) && n == 1:
		// n=1 is the dashboard "latest reading" case: use the single
		// grouped max(start_ts)-per-metadata_id query instead of looping
		// SelectLastN once per statistic_id (spec.md §4.5).
		var latest map[string]query.StatRow
		latest, err = s.Query.LatestShortTermStatistics(c.Request.Context(), ids, types, nil, nil)
		if err == nil {
			res = make(map[string][]query.StatRow, len(latest))
			for sid, row := range latest {
				res[sid] = []query.StatRow{row}
			}
		}
	case c.Query("period") == string(query.FiveMinute):
		res, err = s.Query.LastShortTermStatistics(c.Request.Context(), ids, n, types, nil, nil)
	default:
		res, err = s.Query.LastStatistics(c.Request.Context(), ids, n, types, nil, nil)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleGetMetadata implements GET /api/statistics/meta (spec.md §4.1
// get_metadata; served purely from cache).
func (s *Server) handleGetMetadata(c *gin.Context) {
	ids := splitCSV(c.Query("statistic_ids"))
	out := s.Query.ListStatisticIDs(metadata.GetManyFilter{
		StatisticIDs: ids,
		TypeFilter:   c.Query("type_filter"),
		SourceFilter: c.Query("source"),
	})
	c.JSON(http.StatusOK, out)
}

// handleStatisticsIssues implements GET /api/statistics/issues,
// fanning validate_statistics out across every registered platform
// (spec.md §4.9, SPEC_FULL.md §4).
func (s *Server) handleStatisticsIssues(c *gin.Context) {
	issues, err := s.Platforms.Validate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, issues)
}

type importRowPayload struct {
	Start     float64  `json:"start"`
	LastReset *float64 `json:"last_reset"`
	Mean      *float64 `json:"mean"`
	Min       *float64 `json:"min"`
	Max       *float64 `json:"max"`
	State     *float64 `json:"state"`
	Sum       *float64 `json:"sum"`
}

type importPayload struct {
	StatisticID       string              `json:"statistic_id"`
	Source            string              `json:"source"`
	UnitOfMeasurement *string             `json:"unit_of_measurement"`
	HasMean           bool                `json:"has_mean"`
	HasSum            bool                `json:"has_sum"`
	Rows              []importRowPayload  `json:"rows"`
	Internal          bool                `json:"internal"`
}

func (p importPayload) toRequest() importer.ImportRequest {
	rows := make([]importer.RowInput, len(p.Rows))
	for i, r := range p.Rows {
		rows[i] = importer.RowInput{
			StartTS: r.Start, LastResetTS: r.LastReset,
			Mean: r.Mean, Min: r.Min, Max: r.Max, State: r.State, Sum: r.Sum,
		}
	}
	return importer.ImportRequest{
		Descriptor: storage.Descriptor{
			StatisticID: p.StatisticID, Source: p.Source, UnitOfMeasurement: p.UnitOfMeasurement,
			HasMean: p.HasMean, HasSum: p.HasSum,
		},
		Rows:     rows,
		Internal: p.Internal,
	}
}

// submitImport enqueues req onto the single writer task queue and
// waits synchronously for the result (spec.md §4.8's commit_before
// task model, via taskqueue.Runtime.SubmitSync).
func (s *Server) submitImport(ctx context.Context, req importer.ImportRequest) error {
	return s.Tasks.SubmitSync(ctx, taskqueue.Task{
		Kind:         "import_statistics",
		CommitBefore: true,
		MaxRetries:   3,
		Run: func(ctx context.Context) (taskqueue.Result, error) {
			err := withWriteTx(ctx, s, func(tx *sql.Tx) error {
				return s.Importer.Import(ctx, tx, req)
			})
			return taskqueue.Result{Done: true}, err
		},
	})
}

// handleImport implements POST /api/statistics/import (spec.md §4.6
// import, internal=true).
func (s *Server) handleImport(c *gin.Context) {
	var p importPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.Internal = true
	if err := s.submitImport(c.Request.Context(), p.toRequest()); err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleAddExternal implements POST /api/statistics/external (spec.md
// §4.6 add_external_statistics, internal=false).
func (s *Server) handleAddExternal(c *gin.Context) {
	var p importPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.Internal = false
	if err := s.submitImport(c.Request.Context(), p.toRequest()); err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type adjustSumPayload struct {
	StatisticID string  `json:"statistic_id"`
	StartTime   float64 `json:"start_time"`
	Delta       float64 `json:"delta"`
	DisplayUnit string  `json:"display_unit"`
}

// handleAdjustSum implements POST /api/statistics/adjust (spec.md
// §4.6 adjust sum).
func (s *Server) handleAdjustSum(c *gin.Context) {
	var p adjustSumPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.Tasks.SubmitSync(c.Request.Context(), taskqueue.Task{
		Kind: "adjust_sum", CommitBefore: true, MaxRetries: 3,
		Run: func(ctx context.Context) (taskqueue.Result, error) {
			err := withWriteTx(ctx, s, func(tx *sql.Tx) error {
				return s.Importer.AdjustSum(ctx, tx, p.StatisticID, p.StartTime, p.Delta, p.DisplayUnit)
			})
			return taskqueue.Result{Done: true}, err
		},
	})
	if err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type changeUnitPayload struct {
	StatisticID string `json:"statistic_id"`
	OldUnit     string `json:"old_unit"`
	NewUnit     string `json:"new_unit"`
}

// handleChangeUnit implements POST /api/statistics/unit (spec.md §4.6
// change unit).
func (s *Server) handleChangeUnit(c *gin.Context) {
	var p changeUnitPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.Tasks.SubmitSync(c.Request.Context(), taskqueue.Task{
		Kind: "change_unit", CommitBefore: true, MaxRetries: 3,
		Run: func(ctx context.Context) (taskqueue.Result, error) {
			err := withWriteTx(ctx, s, func(tx *sql.Tx) error {
				return s.Importer.ChangeUnit(ctx, tx, p.StatisticID, p.OldUnit, p.NewUnit)
			})
			return taskqueue.Result{Done: true}, err
		},
	})
	if err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleClearStatistics implements DELETE /api/statistics (spec.md §6
// clear_statistics).
func (s *Server) handleClearStatistics(c *gin.Context) {
	ids := splitCSV(c.Query("statistic_ids"))
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "statistic_ids is required"})
		return
	}
	err := s.Tasks.SubmitSync(c.Request.Context(), taskqueue.Task{
		Kind: "clear_statistics", CommitBefore: true, MaxRetries: 3,
		Run: func(ctx context.Context) (taskqueue.Result, error) {
			return taskqueue.Result{Done: true}, s.Importer.ClearStatistics(ctx, ids)
		},
	})
	if err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type updateMetadataPayload struct {
	StatisticID string  `json:"statistic_id"`
	NewID       *string `json:"new_statistic_id"`
	NewUnit     *string `json:"new_unit_of_measurement"`
}

// handleUpdateStatisticsMetadata implements PATCH /api/statistics/meta
// (SPEC_FULL.md §4 update_statistics_metadata).
func (s *Server) handleUpdateStatisticsMetadata(c *gin.Context) {
	var p updateMetadataPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.Tasks.SubmitSync(c.Request.Context(), taskqueue.Task{
		Kind: "update_statistics_metadata", CommitBefore: true, MaxRetries: 3,
		Run: func(ctx context.Context) (taskqueue.Result, error) {
			err := withWriteTx(ctx, s, func(tx *sql.Tx) error {
				return s.Importer.UpdateStatisticsMetadata(ctx, tx, p.StatisticID, p.NewID, p.NewUnit)
			})
			return taskqueue.Result{Done: true}, err
		},
	})
	if err != nil {
		taskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
