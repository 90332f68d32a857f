package imgcache

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	cacheControlServe = "public, max-age=604800"
	headerCacheStatus = "X-Cache-Status"
	headerRequestID   = "X-Request-ID"
)

type requestIDKey struct{}

// RequestID returns the id assigned to the request carrying ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type resolver interface {
	Resolve(ctx context.Context, k Key) Outcome
}

// NewHandler builds the gin engine: GET on any path resolves that path as a
// key, /healthz answers liveness.
func NewHandler(svc resolver, log logrus.FieldLogger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log), permissiveCORS())
	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	// A catch-all route would collide with /healthz in gin's tree, so every
	// other path lands in NoRoute.
	engine.NoRoute(serveKey(svc))
	return engine
}

func serveKey(svc resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Header("Allow", "GET, OPTIONS")
			c.String(http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		key, err := ParseKey(c.Request.URL.Path)
		if err != nil {
			c.String(http.StatusNotFound, "not found")
			return
		}

		out := svc.Resolve(c.Request.Context(), key)
		c.Set("outcome", out)
		writeOutcome(c, key, out)
	}
}

func writeOutcome(c *gin.Context, key Key, out Outcome) {
	switch out.Kind {
	case OutcomeServe:
		status := "MISS"
		if out.Source == SourceStore {
			status = "HIT"
		}
		c.Header("Cache-Control", cacheControlServe)
		c.Header("Content-Length", strconv.Itoa(len(out.Object.Body)))
		c.Header(headerCacheStatus, status)
		c.Data(http.StatusOK, ContentTypeFor(key), out.Object.Body)
	case OutcomeNotFound:
		c.String(http.StatusNotFound, "not found")
	default:
		msg := "bad gateway"
		if out.OriginStatus != 0 && out.Reason != "" {
			msg = "bad gateway: " + out.Reason
		}
		c.String(http.StatusBadGateway, msg)
	}
}

// requestLogger assigns a request id and writes one access log line per
// request.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDKey{}, id))
		c.Writer.Header().Set(headerRequestID, id)

		c.Next()

		fields := logrus.Fields{
			"request_id": id,
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"bytes":      c.Writer.Size(),
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
		}
		if v, ok := c.Get("outcome"); ok {
			if out, ok := v.(Outcome); ok {
				fields["outcome"] = out.Kind.String()
				fields["source"] = out.Source
			}
		}
		log.WithFields(fields).Info("request")
	}
}

// permissiveCORS allows any origin to GET assets and exposes the cache
// status header to scripts.
func permissiveCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Set("Access-Control-Expose-Headers", headerCacheStatus+", "+headerRequestID)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
