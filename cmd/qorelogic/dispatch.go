package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
	"github.com/MythologIQ/qorelogic/pkg/dispatcher"
)

// withEngine assembles the full engine for a one-shot command and tears it
// down afterwards. The store must already be initialized.
func withEngine(cf commonFlags, stderr io.Writer, fn func(ctx context.Context, eng *dispatcher.Engine) int) int {
	cfg, code := cf.load(stderr)
	if code != exitOK {
		return code
	}
	if err := cfg.RequirePassphraseSource(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}

	ctx := context.Background()
	if code := probeStore(ctx, cfg, stderr); code != exitOK {
		return code
	}

	logger := newLogger(cfg, stderr)
	eng, shutdown, err := dispatcher.Assemble(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("shutdown", "error", err.Error())
		}
	}()
	return fn(ctx, eng)
}

// dispatchAndRender runs one operation through the policy chain and prints
// the response envelope as indented JSON. The engine's refusals come back as
// exit 1 with the structured failure on stderr; callers that need to branch
// on a successful envelope get it back alongside the exit code.
func dispatchAndRender(ctx context.Context, eng *dispatcher.Engine, stdout, stderr io.Writer,
	agentID, op string, payload any) (*contracts.Response, int) {
	raw, err := json.Marshal(payload)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, exitConfig
	}
	if agentID == "" {
		agentID = eng.Actor()
	}

	resp, err := eng.Dispatch(ctx, dispatcher.Request{
		Operation: op,
		AgentID:   agentID,
		Payload:   raw,
	})
	if err != nil {
		var engErr *contracts.Error
		if errors.As(err, &engErr) {
			g := newGlyphs(stderr)
			_, _ = fmt.Fprintf(stderr, "%s %s: %s\n", g.fail, engErr.Kind, engErr.Message)
			if engErr.EntryID != "" {
				_, _ = fmt.Fprintf(stderr, "  ledgered as %s\n", engErr.EntryID)
			}
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return nil, exitForDispatch(err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, exitConfig
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return resp, exitOK
}
