package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/imaging"
	"github.com/example/face-attendance/internal/upload"
)

const (
	uploadTimeout = 2 * time.Minute
	wsWriteWait   = 10 * time.Second
	// multipartOverhead allows for form boundaries and headers around the image.
	multipartOverhead = 64 << 10
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *handler) listSubjects(c *gin.Context) {
	profiles, err := h.svc.Profiles.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list subjects failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subjects unavailable"})
		return
	}
	out := make([]gin.H, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, gin.H{
			"subject_id":    p.SubjectID,
			"name":          p.Name,
			"content_type":  p.ContentType,
			"registered_at": p.RegisteredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subjects": out})
}

// registerReference accepts a multipart image and uploads it asynchronously.
// The response carries an upload id whose progress is served by uploadStatus
// and uploadProgress.
func (h *handler) registerReference(c *gin.Context) {
	subjectID := strings.TrimSpace(c.Param("id"))
	if subjectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject id is required"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	mediaType, _, err := mime.ParseMediaType(file.Header.Get("Content-Type"))
	if err != nil || !allowedImageTypes[mediaType] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}
	img, err := imaging.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image could not be decoded"})
		return
	}

	name := c.PostForm("name")
	uploadID, stream := h.svc.Uploads.Start(subjectID)
	upload.LogProgress(h.logger, uploadID, stream)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		if _, err := h.svc.Profiles.RegisterReference(ctx, subjectID, name, img, stream); err != nil {
			h.logger.Error("reference registration failed",
				zap.String("upload_id", uploadID),
				zap.String("subject_id", subjectID),
				zap.Error(err),
			)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"upload_id":  uploadID,
		"subject_id": subjectID,
	})
}

func (h *handler) uploadStatus(c *gin.Context) {
	stream, subjectID, ok := h.svc.Uploads.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	last, ok := stream.Last()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"subject_id": subjectID, "kind": "pending", "percent": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subject_id": subjectID,
		"kind":       last.Kind,
		"percent":    last.Percent,
		"error":      last.Error,
	})
}

// uploadProgress streams progress events over a websocket until the upload
// finishes or the client goes away.
func (h *handler) uploadProgress(c *gin.Context) {
	stream, _, ok := h.svc.Uploads.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := stream.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "upload finished"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
