package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wingman/internal/models"
	"wingman/internal/objectstore"
	"wingman/internal/worker"
)

const (
	maxImages       = 4
	maxImageBytes   = 10 << 20 // 10 MB
	maxRequestBytes = maxImages*maxImageBytes + 1<<20
	maxContentRunes = 8000
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

type sendInput struct {
	content *string
	images  []*multipart.FileHeader
}

// sendMessage stores the user's message and streams the assistant's reply as SSE:
// ack, then stream events carrying the reply so far, then done (or error).
func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		conversationID = models.NewConversationID
	}

	if h.billing != nil && h.billing.RequireSubscription() {
		active, err := h.billing.HasActiveSubscription(ctx, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !active {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "an active subscription is required"})
			return
		}
	}

	input, status, err := parseSendInput(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if conversationID != models.NewConversationID {
		if _, err := h.assistant.GetConversation(ctx, userID, conversationID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	imageURLs, err := h.uploadImages(c, userID, input.images)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image uploads are not available"})
			return
		}
		h.logger.ErrorContext(ctx, "upload images failed", "user_id", userID, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload images failed"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	// headers go out with the first event so queue errors can still be plain JSON
	streaming := false
	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if !streaming {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			streaming = true
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	res, err := h.workers.Send(worker.SendRequest{
		Context:        ctx,
		UserID:         userID,
		ConversationID: conversationID,
		Content:        input.content,
		ImageURLs:      imageURLs,
		AckFn: func(ack worker.Ack) error {
			return sendEvent("ack", ack)
		},
		ChunkFn: func(partial string) error {
			return sendEvent("stream", gin.H{"content": partial})
		},
	})
	if err != nil {
		if !streaming {
			switch {
			case errors.Is(err, worker.ErrDispatcherBusy):
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
			case errors.Is(err, sql.ErrNoRows):
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			default:
				h.logger.ErrorContext(ctx, "send message failed", "user_id", userID, "err", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		h.logger.ErrorContext(ctx, "reply failed", "user_id", userID, "err", err)
		_ = sendEvent("error", gin.H{"message": err.Error()})
		return
	}
	payload := gin.H{
		"conversation": res.Conversation,
		"user_message": res.UserMessage,
		"ai_message":   res.Reply,
		"created":      res.Created,
	}
	if res.Title != "" {
		payload["title"] = res.Title
	}
	_ = sendEvent("done", payload)
}

// parseSendInput reads content and images from a multipart form, or content from JSON.
func parseSendInput(c *gin.Context) (sendInput, int, error) {
	var in sendInput
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return in, http.StatusRequestEntityTooLarge, errors.New("request too large")
			}
			return in, http.StatusBadRequest, errors.New("invalid multipart form")
		}
		if vals := form.Value["content"]; len(vals) > 0 {
			in.content = models.StringPtr(strings.TrimSpace(vals[0]))
		}
		in.images = append(in.images, form.File["images"]...)
		in.images = append(in.images, form.File["images[]"]...)
	} else {
		var req struct {
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			return in, http.StatusBadRequest, errors.New("invalid request body")
		}
		in.content = models.StringPtr(strings.TrimSpace(req.Content))
	}

	if in.content == nil && len(in.images) == 0 {
		return in, http.StatusBadRequest, errors.New("message needs content or images")
	}
	if in.content != nil && len([]rune(*in.content)) > maxContentRunes {
		return in, http.StatusBadRequest, fmt.Errorf("content exceeds %d characters", maxContentRunes)
	}
	if len(in.images) > maxImages {
		return in, http.StatusBadRequest, fmt.Errorf("at most %d images per message", maxImages)
	}
	for _, img := range in.images {
		if img.Size > maxImageBytes {
			return in, http.StatusRequestEntityTooLarge, fmt.Errorf("image %q is too large", img.Filename)
		}
		if _, err := sniffImageType(img); err != nil {
			return in, http.StatusBadRequest, err
		}
	}
	return in, 0, nil
}

func sniffImageType(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open image %q: %w", fh.Filename, err)
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read image %q: %w", fh.Filename, err)
	}
	contentType := http.DetectContentType(buf[:n])
	if !allowedImageTypes[contentType] {
		return "", fmt.Errorf("unsupported image type %s", contentType)
	}
	return contentType, nil
}

func (h *Handler) uploadImages(c *gin.Context, userID int64, images []*multipart.FileHeader) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	urls := make([]string, 0, len(images))
	now := time.Now()
	for _, img := range images {
		contentType, err := sniffImageType(img)
		if err != nil {
			return nil, err
		}
		f, err := img.Open()
		if err != nil {
			return nil, fmt.Errorf("open image %q: %w", img.Filename, err)
		}
		url, err := h.uploader.Upload(c.Request.Context(), objectstore.ImageKey(userID, img.Filename, now), f, img.Size, contentType)
		f.Close()
		if err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}
