package worker

// wireRequest and wireResponse are the JSON-lines message shapes exchanged
// over a worker process's stdin/stdout. The pool never assumes anything
// about the subprocess's thread-safety; exactly one request is in flight
// per worker at a time.

type wireRequest struct {
	Type      string `json:"type"`
	UnitID    int    `json:"unit_id,omitempty"`
	ModelName string `json:"model_name,omitempty"`
	Precision string `json:"precision,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	Language  string `json:"language,omitempty"`
	Task      string `json:"task,omitempty"`
}

type wireSegment struct {
	StartS float64 `json:"start_s"`
	EndS   float64 `json:"end_s"`
	Text   string  `json:"text"`
}

type wireResponse struct {
	Type     string        `json:"type"`
	UnitID   int           `json:"unit_id,omitempty"`
	Status   string        `json:"status,omitempty"`
	Segments []wireSegment `json:"segments,omitempty"`
	Error    string        `json:"error,omitempty"`
}
