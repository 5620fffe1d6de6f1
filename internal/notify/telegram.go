// Package notify ships finalized artifacts to the configured destination.
// Telegram is the only external destination; without credentials the
// artifact simply stays on disk.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const defaultAPIRoot = "https://api.telegram.org"

// uploadTimeout bounds one sendDocument request including the body.
const uploadTimeout = 5 * time.Minute

// Destinations recorded in history.
const (
	DestLocal    = "local"
	DestTelegram = "telegram"
)

// Uploader posts artifacts to the Telegram Bot API.
type Uploader struct {
	token   string
	chatID  string
	apiRoot string
	client  *http.Client
	log     *slog.Logger
}

// NewUploaderFromEnv reads TELEGRAM_TOKEN, CHAT_ID, and the optional
// TELEGRAM_API_ROOT override. Without token and chat id the uploader is
// a no-op that keeps artifacts local.
func NewUploaderFromEnv(log *slog.Logger) *Uploader {
	root := os.Getenv("TELEGRAM_API_ROOT")
	if root == "" {
		root = defaultAPIRoot
	}
	return &Uploader{
		token:   os.Getenv("TELEGRAM_TOKEN"),
		chatID:  os.Getenv("CHAT_ID"),
		apiRoot: root,
		client:  &http.Client{Timeout: uploadTimeout},
		log:     log,
	}
}

// NewUploader builds an uploader with explicit settings. Used by tests.
func NewUploader(token, chatID, apiRoot string, log *slog.Logger) *Uploader {
	if apiRoot == "" {
		apiRoot = defaultAPIRoot
	}
	return &Uploader{
		token:   token,
		chatID:  chatID,
		apiRoot: apiRoot,
		client:  &http.Client{Timeout: uploadTimeout},
		log:     log,
	}
}

// Configured reports whether a remote destination is set up.
func (u *Uploader) Configured() bool {
	return u.token != "" && u.chatID != ""
}

// Upload ships one artifact and returns the destination and history
// message. On success the local file is deleted; any failure keeps it
// on disk and reports destination local.
func (u *Uploader) Upload(ctx context.Context, artifactPath string, size int64) (destination, message string) {
	if !u.Configured() {
		return DestLocal, fmt.Sprintf("stored locally (%d bytes)", size)
	}

	if err := u.sendDocument(ctx, artifactPath); err != nil {
		u.log.Warn("telegram upload failed, keeping artifact local",
			"artifact", filepath.Base(artifactPath), "err", err)
		return DestLocal, fmt.Sprintf("upload failed, kept locally: %v", err)
	}

	if err := os.Remove(artifactPath); err != nil {
		u.log.Warn("could not remove uploaded artifact", "artifact", artifactPath, "err", err)
	}
	u.log.Info("artifact uploaded", "artifact", filepath.Base(artifactPath), "bytes", size)
	return DestTelegram, fmt.Sprintf("uploaded to telegram (%d bytes)", size)
}

func (u *Uploader) sendDocument(ctx context.Context, artifactPath string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return err
	}
	defer f.Close()

	// Stream the multipart body so large artifacts never sit in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("chat_id", u.chatID); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("document", filepath.Base(artifactPath))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	url := fmt.Sprintf("%s/bot%s/sendDocument", u.apiRoot, u.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram api: %s: %s", resp.Status, string(body))
	}
	return nil
}
