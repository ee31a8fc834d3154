package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/book-expert/voice-service/internal/voices"
)

const multipartMemory = 32 << 20

// Multipart field names.
const (
	fieldAudio       = "audio"
	fieldFile        = "file"
	fieldName        = "name"
	fieldDisplayName = "display_name"
	fieldTranscript  = "transcript"
	fieldSpeed       = "speed"
	fieldPitch       = "pitch"
)

type voiceListResponse struct {
	Voices   []voices.VoiceModel `json:"voices"`
	Warnings []voices.Warning    `json:"warnings"`
	Success  bool                `json:"success"`
}

type voiceResponse struct {
	Voice       voices.VoiceModel `json:"voice"`
	Success     bool              `json:"success"`
	Transcribed bool              `json:"transcribed,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

type patchVoiceRequest struct {
	DisplayName *string  `json:"display_name"`
	Speed       *float64 `json:"speed"`
	Pitch       *float64 `json:"pitch"`
}

type transcriptRequest struct {
	Transcript string `json:"transcript"`
}

type presetRequest struct {
	Speed *float64 `json:"speed"`
	Pitch *float64 `json:"pitch"`
	Voice string   `json:"voice"`
}

type presetListResponse struct {
	Presets []voices.Preset `json:"presets"`
	Success bool            `json:"success"`
}

type presetResponse struct {
	Preset  voices.Preset `json:"preset"`
	Success bool          `json:"success"`
}

type transcriptionResponse struct {
	Transcript     string  `json:"transcript"`
	Language       string  `json:"language,omitempty"`
	ProcessingTime float64 `json:"processing_time"`
	Success        bool    `json:"success"`
}

// upload is one audio file received in a multipart form.
type upload struct {
	data   []byte
	format audio.Format
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	models := append([]voices.VoiceModel{builtinVoice()}, snapshot.Models...)

	warnings := snapshot.Warnings
	if warnings == nil {
		warnings = []voices.Warning{}
	}

	writeJSON(w, http.StatusOK, voiceListResponse{Success: true, Voices: models, Warnings: warnings})
}

func (s *Server) handleGetVoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == voices.DefaultVoiceID {
		writeJSON(w, http.StatusOK, voiceResponse{Success: true, Voice: builtinVoice()})

		return
	}

	model, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, voiceResponse{Success: true, Voice: model})
}

func (s *Server) handleVoiceAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	model, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	data, err := s.deps.Registry.ReadAudio(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	w.Header().Set(headerContentType, model.AudioFormat.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleCreateVoice(w http.ResponseWriter, r *http.Request) {
	file, err := s.readUpload(w, r, fieldAudio, fieldFile)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	settings, err := formSettings(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	displayName := r.FormValue(fieldName)
	if displayName == "" {
		displayName = r.FormValue(fieldDisplayName)
	}

	transcript := strings.TrimSpace(r.FormValue(fieldTranscript))
	transcribed := false

	if transcript == "" && s.deps.Transcriber != nil {
		result, transcribeErr := s.deps.Transcriber.Transcribe(r.Context(), file.data, string(file.format))
		if transcribeErr != nil {
			s.writeError(w, r, transcribeErr)

			return
		}

		transcript = result.Text
		transcribed = true
	}

	model, err := s.deps.Registry.Create(r.Context(), voices.CreateRequest{
		DisplayName:     displayName,
		Audio:           file.data,
		AudioFormat:     string(file.format),
		Transcript:      transcript,
		DefaultSettings: settings,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, voiceResponse{Success: true, Voice: model, Transcribed: transcribed})
}

func (s *Server) handlePatchVoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body patchVoiceRequest

	err := decodeJSON(w, r, &body, false)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	model, err := s.deps.Registry.Update(r.Context(), id, voices.Update{
		DisplayName: body.DisplayName,
		Speed:       body.Speed,
		Pitch:       body.Pitch,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if model.ID != id {
		s.invalidateVoice(r.Context(), id)
	}

	writeJSON(w, http.StatusOK, voiceResponse{Success: true, Voice: model})
}

func (s *Server) handleUpdateTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body transcriptRequest

	err := decodeJSON(w, r, &body, false)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	model, err := s.deps.Registry.UpdateTranscript(r.Context(), id, body.Transcript)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.invalidateVoice(r.Context(), id)
	writeJSON(w, http.StatusOK, voiceResponse{Success: true, Voice: model})
}

func (s *Server) handleDeleteVoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.deps.Registry.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.invalidateVoice(r.Context(), id)
	writeJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: fmt.Sprintf("Voice model '%s' deleted successfully", id),
	})
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.deps.Registry.ListPresets(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, presetListResponse{Success: true, Presets: presets})
}

func (s *Server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	preset, err := s.deps.Registry.GetPreset(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, presetResponse{Success: true, Preset: preset})
}

func (s *Server) handleSavePreset(w http.ResponseWriter, r *http.Request) {
	var body presetRequest

	err := decodeJSON(w, r, &body, false)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	voiceID := strings.ToLower(strings.TrimSpace(body.Voice))
	if voiceID != "" && voiceID != voices.DefaultVoiceID {
		_, err = s.deps.Registry.Get(r.Context(), voiceID)
		if err != nil {
			s.writeError(w, r, err)

			return
		}
	}

	preset := voices.Preset{
		Name:  chi.URLParam(r, "name"),
		Voice: voiceID,
		Speed: voices.DefaultSpeed,
		Pitch: voices.DefaultPitch,
	}

	if body.Speed != nil {
		preset.Speed = *body.Speed
	}

	if body.Pitch != nil {
		preset.Pitch = *body.Pitch
	}

	saved, err := s.deps.Registry.SavePreset(r.Context(), preset)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, presetResponse{Success: true, Preset: saved})
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.deps.Registry.DeletePreset(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Success: true,
		Message: fmt.Sprintf("Preset '%s' deleted successfully", name),
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcriber == nil {
		s.writeError(w, r, errTranscriberMissing)

		return
	}

	file, err := s.readUpload(w, r, fieldFile, fieldAudio)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	result, err := s.deps.Transcriber.Transcribe(r.Context(), file.data, string(file.format))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, transcriptionResponse{
		Success:        true,
		Transcript:     result.Text,
		Language:       result.Language,
		ProcessingTime: seconds(result.Duration),
	})
}

// readUpload parses the multipart form and returns the first file found
// under one of fields, with its format detected from the part's content
// type and file name.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, fields ...string) (upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes())

	err := r.ParseMultipartForm(multipartMemory)
	if err != nil {
		return upload{}, fmt.Errorf("%w: invalid multipart form: %w", core.ErrValidation, err)
	}

	var (
		file   multipart.File
		header *multipart.FileHeader
	)

	for _, field := range fields {
		file, header, err = r.FormFile(field)
		if err == nil {
			break
		}
	}

	if err != nil {
		return upload{}, fmt.Errorf("%w: missing audio file field %q", core.ErrValidation, fields[0])
	}
	defer file.Close()

	name := fsutil.SanitizeFilename(header.Filename)

	format, err := audio.DetectFormat(header.Header.Get(headerContentType), name)
	if err != nil {
		return upload{}, err
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return upload{}, fmt.Errorf("%w: failed to read upload: %w", core.ErrValidation, err)
	}

	s.log.Info("Received upload %q on %s (%s, %s)", name, r.URL.Path, format, fsutil.FormatFileSize(int64(len(data))))

	return upload{data: data, format: format}, nil
}

// formSettings reads optional speed and pitch fields. Missing fields keep
// their defaults; nil is returned when neither is present.
func formSettings(r *http.Request) (*voices.Settings, error) {
	speedValue := r.FormValue(fieldSpeed)
	pitchValue := r.FormValue(fieldPitch)

	if speedValue == "" && pitchValue == "" {
		return nil, nil //nolint:nilnil // absent settings select the registry defaults
	}

	settings := voices.DefaultSettings()

	for _, field := range []struct {
		target *float64
		name   string
		value  string
	}{
		{target: &settings.Speed, name: fieldSpeed, value: speedValue},
		{target: &settings.Pitch, name: fieldPitch, value: pitchValue},
	} {
		if field.value == "" {
			continue
		}

		parsed, err := strconv.ParseFloat(field.value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a number", core.ErrValidation, field.name)
		}

		*field.target = parsed
	}

	return &settings, nil
}
