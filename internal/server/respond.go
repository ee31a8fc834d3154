package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts/audio"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
	maxJSONBodyBytes  = 1 << 20
)

// errTranscriberMissing is returned when no transcription backend is configured.
var errTranscriberMissing = errors.New("transcription is not configured")

type errorResponse struct {
	Error   string `json:"error"`
	Success bool   `json:"success"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps the error taxonomy to an HTTP status. Validation is checked
// first because transcription errors may also carry a format error, and
// not-found before synthesis because a vanished voice surfaces through the
// synthesis path.
func statusFor(err error) int {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrValidation),
		errors.Is(err, audio.ErrUnsupportedFormat),
		errors.Is(err, audio.ErrEmptyAudio),
		errors.Is(err, audio.ErrAudioTooShort):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, errTranscriberMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrSynthesis), errors.Is(err, core.ErrTranscription):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("%s %s failed: %v", r.Method, r.URL.Path, err)
	} else {
		s.log.Warn("%s %s rejected (%d): %v", r.Method, r.URL.Path, status, err)
	}

	writeJSON(w, status, errorResponse{Success: false, Error: err.Error()})
}

// decodeJSON reads a JSON body into dst. An empty body is an error unless
// optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", core.ErrValidation, err)
	}

	return nil
}

// serveFile streams an audio artifact with the content type of format.
func serveFile(w http.ResponseWriter, r *http.Request, path string, format audio.Format) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: audio file", core.ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("%w: failed to open audio: %w", core.ErrStorage, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: failed to stat audio: %w", core.ErrStorage, err)
	}

	w.Header().Set(headerContentType, format.ContentType())
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)

	return nil
}

func seconds(d time.Duration) float64 {
	return d.Round(time.Millisecond).Seconds()
}
