package ports

import "github.com/gin-gonic/gin"

type HTTPHandler interface {
	CreateReport(c *gin.Context)
	GetReport(c *gin.Context)
	ListReports(c *gin.Context)
	DeleteReport(c *gin.Context)
	GetMetrics(c *gin.Context)
	GetRootCauses(c *gin.Context)
	GetMQTT(c *gin.Context)
}
