package relay

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/helpers"
)

const maxHistoryLimit = 1000

// Querier reads recorded rows, implemented by store.Store.
type Querier interface {
	QueryLatest(ctx context.Context, table, robotID string, limit int) (interface{}, error)
}

func (s *ConsoleServer) registerRoutes(r *gin.Engine) {
	r.GET("/ws", s.handleWS())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth())
	api.GET("/robots", s.handleRobots())
	api.GET("/robots/:robot_id/trajectory", s.handleTrajectory())
	api.POST("/robots/:robot_id/trajectory/reset", s.handleTrajectoryReset())
	api.DELETE("/robots/:robot_id/trajectory", s.handleTrajectoryForget())
	api.GET("/robots/:robot_id/history/:table", s.handleHistory())
	api.GET("/stats", s.handleStats())

	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))
}

func (s *ConsoleServer) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		reg := s.bridge.Registry()
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"robots":      len(reg.Robots()),
			"consoles":    len(reg.Consoles()),
			"server_time": helpers.UnixFloat(time.Now()),
		})
	}
}

func (s *ConsoleServer) handleRobots() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.bridge.Registry().StatusReport())
	}
}

func (s *ConsoleServer) handleTrajectory() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("robot_id")
		pose, ok := s.bridge.Pose(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no trajectory for robot %s", id)})
			return
		}
		u := pose.Update()
		c.JSON(http.StatusOK, gin.H{
			"robot_id":    id,
			"position":    u.Position,
			"points":      u.Points,
			"accepted":    pose.Accepted,
			"saved":       pose.SavedCount,
			"last_update": helpers.UnixFloat(pose.LastUpdate),
		})
	}
}

func (s *ConsoleServer) handleTrajectoryReset() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("robot_id")
		if !s.bridge.ResetTrajectory(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no trajectory for robot %s", id)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"robot_id": id, "status": "reset"})
	}
}

func (s *ConsoleServer) handleTrajectoryForget() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("robot_id")
		if !s.bridge.ForgetTrajectory(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no trajectory for robot %s", id)})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *ConsoleServer) handleHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opt.Querier == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store disabled"})
			return
		}
		limit := 100
		if q := c.Query("limit"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be positive integer"})
				return
			}
			limit = n
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
		rows, err := s.opt.Querier.QueryLatest(c.Request.Context(), c.Param("table"), c.Param("robot_id"), limit)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, rows)
		case errors.IsNotFound(err):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			s.log.Errorf("history robot=%s table=%s err=%v", c.Param("robot_id"), c.Param("table"), err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		}
	}
}

func (s *ConsoleServer) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		b := fmt.Sprintf(`{"bridge":%s,"console":%s,"dropped_samples":%d}`,
			s.bridge.Stat.String(), s.stat.String(), s.bridge.Estimator().Dropped.Value())
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(b))
	}
}
