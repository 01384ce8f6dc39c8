package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/cristinecula/knowsync/internal/knowledge"
	"github.com/cristinecula/knowsync/internal/record"
	"github.com/cristinecula/knowsync/internal/syncengine"
)

// request is one line of the dispatcher's newline-delimited JSON
// protocol: {"verb": "...", "args": {...}}. This is the thinnest
// possible transport for the tool-verb surface, not a real RPC layer.
type request struct {
	Verb string          `json:"verb"`
	Args json.RawMessage `json:"args"`
}

type response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// runDispatchLoop reads one request per line from r until EOF, dispatches
// it against svc, and writes one response per line to w.
func runDispatchLoop(ctx context.Context, svc *knowledge.Service, r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(response{Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		result, err := dispatch(ctx, svc, req)
		if err != nil {
			enc.Encode(response{Error: err.Error()})
			continue
		}
		if encErr := enc.Encode(response{Result: result}); encErr != nil {
			log.Printf("[dispatch] write response: %v", encErr)
		}
	}
}

func dispatch(ctx context.Context, svc *knowledge.Service, req request) (interface{}, error) {
	switch req.Verb {
	case "store_knowledge":
		var e record.Entry
		if err := json.Unmarshal(req.Args, &e); err != nil {
			return nil, err
		}
		return svc.StoreKnowledge(ctx, &e)

	case "get_knowledge":
		var args struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		return svc.GetKnowledge(ctx, args.ID)

	case "list_knowledge":
		var filter knowledge.ListFilter
		if err := json.Unmarshal(req.Args, &filter); err != nil {
			return nil, err
		}
		return svc.ListKnowledge(ctx, filter)

	case "query_knowledge":
		var args struct {
			Query  string               `json:"query"`
			Filter knowledge.ListFilter `json:"filter"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		return svc.QueryKnowledge(ctx, args.Query, args.Filter)

	case "update_knowledge":
		var args struct {
			ID      string   `json:"id"`
			Title   *string  `json:"title"`
			Content *string  `json:"content"`
			Tags    []string `json:"tags"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		return svc.UpdateKnowledge(ctx, args.ID, func(e *record.Entry) {
			if args.Title != nil {
				e.Title = *args.Title
			}
			if args.Content != nil {
				e.Content = *args.Content
			}
			if args.Tags != nil {
				e.Tags = args.Tags
			}
		})

	case "delete_knowledge":
		var args struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, svc.DeleteKnowledge(ctx, args.ID)

	case "deprecate_knowledge":
		var args struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		return nil, svc.DeprecateKnowledge(ctx, args.ID, args.Reason)

	case "link_knowledge":
		var args struct {
			SourceID    string          `json:"source_id"`
			TargetID    string          `json:"target_id"`
			Description string          `json:"description"`
			LinkType    record.LinkType `json:"link_type"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		return svc.LinkKnowledge(ctx, args.SourceID, args.TargetID, args.LinkType, args.Description)

	case "sync_knowledge":
		var args struct {
			Direction string `json:"direction"`
		}
		if len(req.Args) > 0 {
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return nil, err
			}
		}
		return svc.SyncKnowledge(ctx, syncengine.Direction(args.Direction))

	case "get_entry_history":
		var args struct {
			RepoPath  string `json:"repo_path"`
			EntryType string `json:"entry_type"`
			ID        string `json:"id"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		return svc.GetEntryHistory(args.RepoPath, args.EntryType, args.ID, args.Limit)

	case "get_entry_at_version":
		var args struct {
			RepoPath  string `json:"repo_path"`
			Revision  string `json:"revision"`
			EntryType string `json:"entry_type"`
			ID        string `json:"id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		content, err := svc.GetEntryAtVersion(args.RepoPath, args.Revision, args.EntryType, args.ID)
		if err != nil {
			return nil, err
		}
		return string(content), nil

	default:
		return nil, fmt.Errorf("unknown verb %q", req.Verb)
	}
}
