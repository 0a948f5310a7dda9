// Command transcribe-worker is the per-device inference subprocess. It is
// never invoked directly by an operator; the worker pool execs one instance
// per device and speaks a JSON-lines protocol over its stdin/stdout.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

type request struct {
	Type      string `json:"type"`
	UnitID    int    `json:"unit_id,omitempty"`
	ModelName string `json:"model_name,omitempty"`
	Precision string `json:"precision,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	Language  string `json:"language,omitempty"`
	Task      string `json:"task,omitempty"`
}

type segment struct {
	StartS float64 `json:"start_s"`
	EndS   float64 `json:"end_s"`
	Text   string  `json:"text"`
}

type response struct {
	Type     string    `json:"type"`
	UnitID   int       `json:"unit_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Segments []segment `json:"segments,omitempty"`
	Error    string    `json:"error,omitempty"`
}

func main() {
	device := os.Getenv("TRANSCRIBER_DEVICE")

	reader := bufio.NewScanner(os.Stdin)
	reader.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()

	var recognizer *sherpa.OfflineRecognizer
	defer func() {
		if recognizer != nil {
			sherpa.DeleteOfflineRecognizer(recognizer)
		}
	}()

	for reader.Scan() {
		var req request
		if err := json.Unmarshal(reader.Bytes(), &req); err != nil {
			sendResponse(writer, response{Type: "error", Error: err.Error()})
			continue
		}

		switch req.Type {
		case "init":
			r, err := newRecognizer(req.ModelName, req.Precision, device)
			if err != nil {
				sendResponse(writer, response{Type: "error", Error: err.Error()})
				return
			}
			recognizer = r
			sendResponse(writer, response{Type: "ready"})

		case "transcribe":
			if recognizer == nil {
				sendResponse(writer, response{Type: "result", UnitID: req.UnitID, Status: "failed", Error: "worker not initialised"})
				continue
			}
			segs, err := transcribeFile(recognizer, req.FilePath, req.Language, req.Task)
			if err != nil {
				sendResponse(writer, response{Type: "result", UnitID: req.UnitID, Status: "failed", Error: err.Error()})
				continue
			}
			sendResponse(writer, response{Type: "result", UnitID: req.UnitID, Status: "ok", Segments: segs})

		case "shutdown":
			return
		}
	}
}

// newRecognizer builds an offline Whisper recognizer pinned to one device.
// precision "int8" halves device memory at the cost of some accuracy; any
// other value uses the full-precision model files.
func newRecognizer(modelName, precision, device string) (*sherpa.OfflineRecognizer, error) {
	modelRoot := modelDir(modelName)
	suffix := ""
	if precision == "int8" {
		suffix = ".int8"
	}

	cfg := &sherpa.OfflineRecognizerConfig{}
	cfg.ModelConfig.Whisper.Encoder = fmt.Sprintf("%s/%s-encoder%s.onnx", modelRoot, modelName, suffix)
	cfg.ModelConfig.Whisper.Decoder = fmt.Sprintf("%s/%s-decoder%s.onnx", modelRoot, modelName, suffix)
	cfg.ModelConfig.Whisper.TailPaddings = -1
	cfg.ModelConfig.Tokens = fmt.Sprintf("%s/%s-tokens.txt", modelRoot, modelName)
	cfg.ModelConfig.NumThreads = 1
	cfg.ModelConfig.Provider = providerFor(device)
	cfg.DecodingMethod = "greedy_search"

	recognizer := sherpa.NewOfflineRecognizer(cfg)
	if recognizer == nil {
		return nil, fmt.Errorf("failed to create offline recognizer for model %q on device %q", modelName, device)
	}
	return recognizer, nil
}

func modelDir(modelName string) string {
	if dir := os.Getenv("TRANSCRIBER_MODEL_ROOT"); dir != "" {
		return dir + "/" + modelName
	}
	return "models/" + modelName
}

// providerFor maps a device id to sherpa-onnx's execution provider name:
// an empty id or "cpu" selects "cpu", any other id selects "cuda".
func providerFor(device string) string {
	if device == "" || device == "cpu" {
		return "cpu"
	}
	return "cuda"
}

// transcribeFile decodes the unit's temp WAV and runs one recognition pass.
// Whisper's offline model in sherpa-onnx does not expose sub-segment
// timestamps, so the whole unit's text is returned as a single segment
// spanning the unit's local duration; the pool rebases it to absolute time.
func transcribeFile(recognizer *sherpa.OfflineRecognizer, path, language, task string) ([]segment, error) {
	stream := sherpa.NewOfflineStream(recognizer)
	defer sherpa.DeleteOfflineStream(stream)

	samples, sampleRate, err := readWAV(path)
	if err != nil {
		return nil, fmt.Errorf("read unit audio: %w", err)
	}

	stream.AcceptWaveform(sampleRate, samples)
	recognizer.Decode(stream)

	result := stream.GetResult()
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return nil, nil
	}

	durationS := float64(len(samples)) / float64(sampleRate)
	return []segment{{StartS: 0, EndS: durationS, Text: text}}, nil
}

func sendResponse(w *bufio.Writer, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	w.Write(data)
	w.WriteByte('\n')
	w.Flush()
}
