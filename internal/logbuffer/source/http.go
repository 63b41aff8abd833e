package source

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/logbuffer/internal/logbuffer/metrics"
	"github.com/G-Research/logbuffer/internal/logbuffer/model"
	"github.com/G-Research/logbuffer/internal/logbuffer/pipeline"
)

const (
	IngestPath          = "/ingest"
	IngestSource        = "ingest"
	maxIngestBodyBytes  = 10 * 1024 * 1024
	responseContentType = "application/json"
)

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// IngestHandler accepts newline delimited JSON records. A request is accepted or rejected as a whole: if any line is
// malformed, or the body is larger than 10MiB, nothing from it is submitted.
type IngestHandler struct {
	submitter    Submitter
	clock        clock.Clock
	log          *log.Entry
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

func NewIngestHandler(submitter Submitter, logger *log.Entry) *IngestHandler {
	return &IngestHandler{
		submitter:    submitter,
		clock:        clock.RealClock{},
		log:          logger,
		metrics:      metrics.Get(),
		maxBodyBytes: maxIngestBodyBytes,
	}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respond(w, http.StatusMethodNotAllowed, ingestResponse{Error: "only POST is supported"})
		return
	}
	if state := h.submitter.State(); state != pipeline.Running {
		h.respond(w, http.StatusServiceUnavailable, ingestResponse{Error: fmt.Sprintf("pipeline is %s", state)})
		return
	}

	records, err := h.decode(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.metrics.RecordSourceError(IngestSource)
		h.log.Debugf("Rejected ingest request larger than %d bytes", tooLarge.Limit)
		h.respond(w, http.StatusRequestEntityTooLarge,
			ingestResponse{Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
		return
	}
	if err != nil {
		h.metrics.RecordSourceError(IngestSource)
		h.log.WithError(err).Debug("Rejected ingest request")
		h.respond(w, http.StatusBadRequest, ingestResponse{Error: err.Error()})
		return
	}
	for _, record := range records {
		h.submitter.Submit(record)
	}
	h.respond(w, http.StatusAccepted, ingestResponse{Accepted: len(records)})
}

func (h *IngestHandler) decode(body io.Reader) ([]model.LogRecord, error) {
	now := h.clock.Now().UTC()
	decoder := json.NewDecoder(body)
	var records []model.LogRecord
	for line := 1; ; line++ {
		var record model.LogRecord
		err := decoder.Decode(&record)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", line)
		}
		record.Normalise(now, IngestSource)
		if err := record.Validate(); err != nil {
			return nil, errors.Errorf("record %d: %v", line, err)
		}
		records = append(records, record)
	}
}

func (h *IngestHandler) respond(w http.ResponseWriter, status int, response ingestResponse) {
	w.Header().Set("Content-Type", responseContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.WithError(err).Warn("Failed to write ingest response")
	}
}
