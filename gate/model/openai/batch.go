package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/openai/openai-go"

	"github.com/dshills/replaygate/gate/model"
)

// batchEndpoint is the only endpoint the gateway batches against.
const batchEndpoint = openai.BatchNewParamsEndpointV1ChatCompletions

// requestLine is one line of a Batch API input file.
type requestLine struct {
	CustomID string                         `json:"custom_id"`
	Method   string                         `json:"method"`
	URL      string                         `json:"url"`
	Body     openai.ChatCompletionNewParams `json:"body"`
}

// responseLine is one line of a Batch API output or error file.
type responseLine struct {
	ID       string `json:"id"`
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int                   `json:"status_code"`
		Body       openai.ChatCompletion `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PrepareBatchLine implements model.BatchCaller.
func (a *Adapter) PrepareBatchLine(p model.QueryParams, customID string) ([]byte, error) {
	params, err := a.buildParams(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(requestLine{
		CustomID: customID,
		Method:   "POST",
		URL:      "/v1/chat/completions",
		Body:     params,
	})
}

// SubmitBatch implements model.BatchCaller: upload the jsonl input file
// with the batch purpose, then start a 24h batch job against the chat
// completions endpoint.
func (a *Adapter) SubmitBatch(ctx context.Context, path string, modelName string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("openai: failed to open batch input: %w", err)
	}
	defer f.Close()

	file, err := a.client.Files.New(ctx, openai.FileNewParams{
		File:    f,
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", mapError(err)
	}

	batch, err := a.client.Batches.New(ctx, openai.BatchNewParams{
		InputFileID:      file.ID,
		Endpoint:         batchEndpoint,
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
	})
	if err != nil {
		return "", mapError(err)
	}
	return batch.ID, nil
}

// DownloadBatch implements model.BatchCaller. A job that has not reached a
// terminal status answers with an error so it stays pending; a completed
// job yields one result per input line, errors included.
func (a *Adapter) DownloadBatch(ctx context.Context, uuid string) ([]model.BatchResult, error) {
	batch, err := a.client.Batches.Get(ctx, uuid)
	if err != nil {
		return nil, mapError(err)
	}

	switch batch.Status {
	case openai.BatchStatusCompleted:
	case openai.BatchStatusFailed, openai.BatchStatusExpired, openai.BatchStatusCancelled:
		return nil, &model.APIError{
			Provider: model.ProviderOpenAI,
			Code:     "batch_" + string(batch.Status),
			Message:  fmt.Sprintf("batch %s ended with status %s", uuid, batch.Status),
		}
	default:
		return nil, fmt.Errorf("openai: batch %s still running (%s)", uuid, batch.Status)
	}

	var results []model.BatchResult
	if batch.OutputFileID != "" {
		out, err := a.readResultFile(ctx, batch.OutputFileID)
		if err != nil {
			return nil, err
		}
		results = append(results, out...)
	}
	if batch.ErrorFileID != "" {
		errs, err := a.readResultFile(ctx, batch.ErrorFileID)
		if err != nil {
			return nil, err
		}
		results = append(results, errs...)
	}
	return results, nil
}

// readResultFile downloads one result file and converts its lines.
func (a *Adapter) readResultFile(ctx context.Context, fileID string) ([]model.BatchResult, error) {
	res, err := a.client.Files.Content(ctx, fileID)
	if err != nil {
		return nil, mapError(err)
	}
	defer res.Body.Close()
	return parseResultLines(res.Body)
}

// parseResultLines converts batch output jsonl into BatchResults, keeping
// the raw line for archival.
func parseResultLines(r io.Reader) ([]model.BatchResult, error) {
	var results []model.BatchResult

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for sc.Scan() {
		raw := append([]byte(nil), sc.Bytes()...)
		if len(raw) == 0 {
			continue
		}

		var line responseLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("openai: malformed batch result line: %w", err)
		}

		switch {
		case line.Error != nil:
			results = append(results, model.BatchResult{
				Status:     model.BatchError,
				CustomID:   line.CustomID,
				RawOutput:  raw,
				ErrMessage: line.Error.Message,
				ErrCode:    line.Error.Code,
			})
		case line.Response != nil && line.Response.StatusCode == 200:
			parsed, err := parseCompletion(&line.Response.Body)
			if err != nil {
				return nil, fmt.Errorf("openai: batch line %s: %w", line.CustomID, err)
			}
			parsed.CustomID = line.CustomID
			results = append(results, model.BatchResult{
				Status:    model.BatchReady,
				CustomID:  line.CustomID,
				RawOutput: raw,
				Parsed:    &parsed,
			})
		case line.Response != nil:
			results = append(results, model.BatchResult{
				Status:     model.BatchError,
				CustomID:   line.CustomID,
				RawOutput:  raw,
				ErrMessage: "batch request failed",
				ErrCode:    strconv.Itoa(line.Response.StatusCode),
			})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("openai: failed to read batch results: %w", err)
	}
	return results, nil
}
