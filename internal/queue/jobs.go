package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/adverant/nexus/tablescan-worker/internal/processor"
	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

// Job types
const (
	JobTypeExtract = "extract"
	JobTypePersist = "persist"
)

// JobPayload contains the actual job data. Extract jobs carry a file (inline
// or by URL); persist jobs carry Rows or name the extract job in SourceJobID.
type JobPayload struct {
	JobID       string                 `json:"jobId"`
	SourceJobID string                 `json:"sourceJobId,omitempty"`
	Filename    string                 `json:"filename,omitempty"`
	MimeType    string                 `json:"mimeType,omitempty"`
	FileSize    int64                  `json:"fileSize,omitempty"`
	FileURL     string                 `json:"fileUrl,omitempty"`
	FileBuffer  []byte                 `json:"fileBuffer,omitempty"`
	Rows        []table.Row            `json:"rows,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON implements custom JSON unmarshaling for JobPayload to handle Buffer serialization
// Supports both base64 string format and Node.js Buffer object format
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	// Create alias type to avoid recursion
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.FileBuffer == nil {
		return nil
	}

	switch v := aux.FileBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		// {"type":"Buffer","data":[...]}
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

func (p *JobPayload) processRequest() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Metadata:   p.Metadata,
	}
}

func (p *JobPayload) persistRequest() *processor.PersistRequest {
	return &processor.PersistRequest{
		JobID:       p.JobID,
		SourceJobID: p.SourceJobID,
		Rows:        p.Rows,
	}
}
