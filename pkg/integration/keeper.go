package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sonde-dev/sonde/pkg/models"
)

// keeperProbe executes probes against the Keeper Secrets Manager API.
// Secret values never land in probe responses: records.get returns field
// names and record metadata, not the field contents.
func (e *Executor) keeperProbe(ctx context.Context, client *http.Client, cfg *models.IntegrationConfig, probe string, params map[string]any) (json.RawMessage, error) {
	switch probe {
	case "keeper.records.get":
		uids, err := uidsParam(params)
		if err != nil {
			return nil, err
		}
		records, err := keeperGetRecords(ctx, client, cfg, uids)
		if err != nil {
			return nil, err
		}

		// Redact values, keep shape.
		type recordInfo struct {
			UID    string   `json:"uid"`
			Title  string   `json:"title"`
			Fields []string `json:"fields"`
		}
		out := make([]recordInfo, 0, len(records))
		for _, r := range records {
			info := recordInfo{UID: r.UID, Title: r.Title}
			for name := range r.Fields {
				info.Fields = append(info.Fields, name)
			}
			out = append(out, info)
		}
		return json.Marshal(map[string]any{"records": out})

	default:
		return nil, fmt.Errorf("unknown keeper probe %q", probe)
	}
}

type keeperRecord struct {
	UID    string            `json:"uid"`
	Title  string            `json:"title"`
	Fields map[string]string `json:"fields"`
}

// fetchKeeperRecord fetches one record's fields for keeper:// reference
// resolution. Values stay in memory only.
func (e *Executor) fetchKeeperRecord(ctx context.Context, keeper *models.Integration, recordUID string) (map[string]string, error) {
	cfg := *keeper.Config
	if err := applyDefaults(keeper.Type, &cfg); err != nil {
		return nil, err
	}
	records, err := keeperGetRecords(ctx, e.httpClient(&cfg), &cfg, []string{recordUID})
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.UID == recordUID {
			return r.Fields, nil
		}
	}
	return nil, fmt.Errorf("record %q not found", recordUID)
}

func keeperGetRecords(ctx context.Context, client *http.Client, cfg *models.IntegrationConfig, uids []string) ([]keeperRecord, error) {
	body, err := json.Marshal(map[string]any{"uids": uids})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/") + "/api/v1/records/get"
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, cfg)

	raw, err := doJSON(ctx, client, req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Records []keeperRecord `json:"records"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode keeper response: %w", err)
	}
	return parsed.Records, nil
}

// keeperPing is the connectivity test: an empty fetch that only proves the
// endpoint answers and the credentials are accepted.
func (e *Executor) keeperPing(ctx context.Context, client *http.Client, cfg *models.IntegrationConfig) error {
	endpoint := strings.TrimRight(cfg.Endpoint, "/") + "/api/v1/ping"
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	applyAuth(req, cfg)
	_, err = doJSON(ctx, client, req)
	return err
}

func uidsParam(params map[string]any) ([]string, error) {
	raw, ok := params["uids"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("uids parameter is required")
	}
	uids := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("uids must be strings")
		}
		uids = append(uids, s)
	}
	return uids, nil
}
