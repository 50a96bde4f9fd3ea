package http

import (
	"net/http"

	"streamsight/internal/core/domain"
	"streamsight/internal/core/ports"
	"streamsight/pkg/errors"
	"streamsight/pkg/utils"
	"streamsight/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultSourceName = "upload"

type ReportHandler struct {
	reports   ports.ReportService
	open      ports.SourceOpener
	maxUpload int64
	logger    *zap.SugaredLogger
	// writeGuard runs ahead of the routes that change the report store.
	writeGuard gin.HandlerFunc
}

func NewReportHandler(
	reports ports.ReportService,
	open ports.SourceOpener,
	maxUpload int64,
	logger *zap.SugaredLogger,
) *ReportHandler {
	return &ReportHandler{
		reports:   reports,
		open:      open,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

var _ ports.HTTPHandler = (*ReportHandler)(nil)

// WithWriteGuard puts guard in front of report creation and deletion.
func (h *ReportHandler) WithWriteGuard(guard gin.HandlerFunc) *ReportHandler {
	h.writeGuard = guard
	return h
}

func (h *ReportHandler) guarded(handler gin.HandlerFunc) []gin.HandlerFunc {
	if h.writeGuard == nil {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{h.writeGuard, handler}
}

func (h *ReportHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/reports", h.guarded(h.CreateReport)...)
		api.GET("/reports", h.ListReports)
		api.GET("/reports/:id", h.GetReport)
		api.DELETE("/reports/:id", h.guarded(h.DeleteReport)...)
		api.GET("/reports/:id/metrics", h.GetMetrics)
		api.GET("/reports/:id/rootcauses", h.GetRootCauses)
		api.GET("/reports/:id/mqtt", h.GetMQTT)
	}
}

// CreateReport analyzes the request body. JSON bodies hold DecodedPackets
// (array or one per line); pcap content types hold a raw capture.
func (h *ReportHandler) CreateReport(c *gin.Context) {
	name := utils.SanitizeString(c.DefaultQuery("source", defaultSourceName))
	if err := validation.ValidateSourceName(name); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if name == "" {
		name = defaultSourceName
	}
	if c.Request.ContentLength > h.maxUpload {
		_ = c.Error(errors.NewPayloadTooLargeError(h.maxUpload))
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	defer body.Close()
	h.logger.Debugw("Analyzing upload", "source", name, "content_type", c.ContentType())

	source, err := h.open(body, c.ContentType(), name)
	if err != nil {
		_ = c.Error(err)
		return
	}

	report, err := h.reports.CreateReport(c.Request.Context(), source)
	if err != nil {
		if report != nil && report.Stats.Accepted == 0 {
			err = errors.NewUnprocessableCaptureError("capture contains no usable packets", err).
				WithDetail("total_records", report.Stats.TotalRecords).
				WithDetail("skipped", report.Stats.Skipped)
		}
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"report": report,
	})
}

func (h *ReportHandler) ListReports(c *gin.Context) {
	reports, err := h.reports.ListReports(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if reports == nil {
		reports = []domain.ReportSummary{}
	}

	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

func (h *ReportHandler) GetReport(c *gin.Context) {
	report, ok := h.loadReport(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report": report,
	})
}

func (h *ReportHandler) DeleteReport(c *gin.Context) {
	id, ok := reportID(c)
	if !ok {
		return
	}
	if err := h.reports.DeleteReport(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetMetrics lists a report's metrics, optionally filtered by ?kind= and
// ?confidence=.
func (h *ReportHandler) GetMetrics(c *gin.Context) {
	filter, err := validation.MetricsFilter(c.Query("kind"), c.Query("confidence"))
	if err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	report, ok := h.loadReport(c)
	if !ok {
		return
	}

	metrics := report.FilterMetrics(filter)
	c.JSON(http.StatusOK, gin.H{
		"report_id": report.ID,
		"metrics":   metrics,
		"count":     len(metrics),
	})
}

func (h *ReportHandler) GetRootCauses(c *gin.Context) {
	report, ok := h.loadReport(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report_id":   report.ID,
		"root_causes": report.RootCauses,
		"correlation": report.Correlation,
	})
}

// GetMQTT returns the MQTT topology and per-message stage delays. mqtt is
// null when the capture held no MQTT traffic.
func (h *ReportHandler) GetMQTT(c *gin.Context) {
	report, ok := h.loadReport(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report_id": report.ID,
		"mqtt":      report.MQTT,
	})
}

func (h *ReportHandler) loadReport(c *gin.Context) (*domain.Report, bool) {
	id, ok := reportID(c)
	if !ok {
		return nil, false
	}
	report, err := h.reports.GetReport(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	return report, true
}

func reportID(c *gin.Context) (domain.ReportID, bool) {
	id := c.Param("id")
	if err := validation.ValidateReportID(id); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()).WithDetail("id", utils.TruncateString(id, 64)))
		return "", false
	}
	return domain.ReportID(id), true
}
