package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/askarbek/pulse/internal/domain"
	"github.com/askarbek/pulse/internal/repository"
	"github.com/askarbek/pulse/internal/scheduler"
)

type JobHandler struct {
	engine *scheduler.Scheduler
	logger *slog.Logger
}

func NewJobHandler(engine *scheduler.Scheduler, logger *slog.Logger) *JobHandler {
	return &JobHandler{engine: engine, logger: logger.With("component", "job_handler")}
}

type createJobRequest struct {
	Name     string         `json:"name"      binding:"required"`
	Data     map[string]any `json:"data"`
	RunAt    string         `json:"run_at"`
	Every    string         `json:"every"`
	Timezone string         `json:"timezone"`
	Priority *int           `json:"priority"`
}

// Create enqueues a job: immediate by default, scheduled when run_at is set,
// recurring when every is set.
func (h *JobHandler) Create(ctx *gin.Context) {
	var req createJobRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		job *scheduler.Job
		err error
	)
	switch {
	case req.Every != "":
		job, err = h.engine.Every(ctx.Request.Context(), req.Every, req.Name, req.Data,
			scheduler.RepeatOpts{Timezone: req.Timezone})
	case req.RunAt != "":
		job, err = h.engine.Schedule(ctx.Request.Context(), req.RunAt, req.Name, req.Data)
	default:
		job, err = h.engine.Now(ctx.Request.Context(), req.Name, req.Data)
	}
	if err != nil {
		h.logger.Error("create job", "name", req.Name, "error", err)
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Priority != nil {
		if _, err := job.Priority(*req.Priority).Save(ctx.Request.Context()); err != nil {
			h.logger.Error("set job priority", "name", req.Name, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
			return
		}
	}

	ctx.JSON(http.StatusCreated, job.Attrs())
}

// List queries stored jobs with name/state/search filters and pagination.
func (h *JobHandler) List(ctx *gin.Context) {
	q := repository.JobQuery{
		Name:            ctx.Query("name"),
		Search:          ctx.Query("search"),
		State:           domain.State(ctx.Query("state")),
		IncludeDisabled: ctx.Query("include_disabled") == "true",
		Limit:           intQuery(ctx, "limit", 50),
		Skip:            intQuery(ctx, "skip", 0),
	}

	result, err := h.engine.Jobs(ctx.Request.Context(), q)
	if err != nil {
		h.logger.Error("list jobs", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	now := time.Now()
	type jobView struct {
		domain.Job
		State domain.State `json:"state"`
	}
	views := make([]jobView, len(result.Records))
	for i, rec := range result.Records {
		views[i] = jobView{Job: *rec, State: rec.ComputedState(now)}
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": views, "total": result.Total})
}

func (h *JobHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	result, err := h.engine.Jobs(ctx.Request.Context(), repository.JobQuery{ID: id, IncludeDisabled: true})
	if err != nil {
		h.logger.Error("get job by id", "job_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	if len(result.Records) == 0 {
		ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		return
	}
	ctx.JSON(http.StatusOK, result.Records[0])
}

func (h *JobHandler) Delete(ctx *gin.Context) {
	id := ctx.Param("id")

	removed, err := h.engine.Cancel(ctx.Request.Context(), repository.JobQuery{ID: id})
	if err != nil {
		h.logger.Error("delete job", "job_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	if removed == 0 {
		ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (h *JobHandler) Disable(ctx *gin.Context) {
	h.setDisabled(ctx, true)
}

func (h *JobHandler) Enable(ctx *gin.Context) {
	h.setDisabled(ctx, false)
}

func (h *JobHandler) setDisabled(ctx *gin.Context, disabled bool) {
	id := ctx.Param("id")
	q := repository.JobQuery{ID: id}

	var (
		changed int64
		err     error
	)
	if disabled {
		changed, err = h.engine.Disable(ctx.Request.Context(), q)
	} else {
		changed, err = h.engine.Enable(ctx.Request.Context(), q)
	}
	if err != nil {
		h.logger.Error("toggle job", "job_id", id, "disabled", disabled, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	if changed == 0 {
		ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"disabled": disabled})
}

// QueueSize reports how many records are due and unclaimed.
func (h *JobHandler) QueueSize(ctx *gin.Context) {
	size, err := h.engine.QueueSize(ctx.Request.Context())
	if err != nil {
		h.logger.Error("queue size", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"size": size})
}

// Names lists distinct stored job names alongside the defined kinds.
func (h *JobHandler) Names(ctx *gin.Context) {
	stored, err := h.engine.JobNames(ctx.Request.Context())
	if err != nil {
		h.logger.Error("job names", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"stored": stored, "defined": h.engine.DefinedNames()})
}

func intQuery(ctx *gin.Context, key string, fallback int) int {
	s := ctx.Query(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
