package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MrWong99/echonet/internal/router"
	"github.com/go-audio/wav"
)

// maxUploadBytes caps /test/transcribe uploads: 32 MiB covers well over a
// minute of 16 kHz mono 16-bit WAV.
const maxUploadBytes = 32 << 20

// handleTestTranscribe runs the full transcribe (and optionally route)
// pipeline on an uploaded WAV file, bypassing audio capture. Intended for
// integration testing a deployment without a microphone.
func (s *Server) handleTestTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.opts.ASR == nil {
		writeError(w, http.StatusServiceUnavailable, "no transcriber configured")
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, `multipart field "audio" is required`)
		return
	}
	defer file.Close()

	pcm, sampleRate, err := decodeWAV(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.opts.ASR.Transcribe(r.Context(), pcm, sampleRate, s.opts.Language)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "transcription failed: "+err.Error())
		return
	}

	resp := map[string]any{
		"text":        res.Text,
		"confidence":  res.Confidence,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if r.FormValue("route") == "true" {
		mode, err := s.opts.State.Mode(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "read listen mode")
			return
		}
		sourceID := r.FormValue("source_id")
		if sourceID == "" {
			sourceID = s.opts.SourceID
		}
		d := s.opts.Router.Route(r.Context(), mode, router.TextEvent{
			SourceID:   sourceID,
			Room:       r.FormValue("room"),
			Text:       res.Text,
			Confidence: res.Confidence,
		})
		s.recordDecision(r, d)
		resp["decision"] = d
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeWAV reads a PCM WAV file into mono 16-bit samples at the file's own
// sample rate. Multi-channel input is averaged down; other bit depths are
// rescaled to 16.
func decodeWAV(f io.ReadSeeker) ([]int16, int, error) {
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode WAV: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, 0, errors.New("WAV file contains no audio")
	}

	bits := int(dec.BitDepth)
	if bits == 0 {
		bits = buf.SourceBitDepth
	}
	shift := 0
	switch {
	case bits > 16:
		shift = bits - 16
	case bits < 8 || bits > 32:
		return nil, 0, fmt.Errorf("unsupported WAV bit depth %d", bits)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	frames := len(buf.Data) / channels
	pcm := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		v := sum / channels
		if shift > 0 {
			v >>= shift
		} else if bits < 16 {
			v <<= 16 - bits
		}
		pcm[i] = int16(v)
	}
	return pcm, buf.Format.SampleRate, nil
}
