// Package pluginsdk is the plugin side of the cigen protocol. A provider
// plugin implements Handler and calls Main from its main function; Serve does
// the handshake and answers plan and generate requests until the core closes
// stdin.
package pluginsdk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/mattjoyce/cigen/pkg/protocol"
)

// CodeHandlerError tags the diagnostic sent when a handler returns an error
// or panics.
const CodeHandlerError = "SDK001"

// Handler answers the two request kinds of a session.
type Handler interface {
	Plan(ctx context.Context, req *protocol.PlanRequest) (*protocol.PlanResult, error)
	Generate(ctx context.Context, req *protocol.GenerateRequest) (*protocol.GenerateResult, error)
}

type helloKey struct{}

// Hello returns the greeting the core opened the session with.
func Hello(ctx context.Context) *protocol.Hello {
	h, _ := ctx.Value(helloKey{}).(*protocol.Hello)
	return h
}

// Main serves on stdin/stdout and exits. Diagnostics about the session itself
// go to stderr, which the core forwards to its own.
func Main(id protocol.Identity, h Handler) {
	if err := Serve(context.Background(), os.Stdin, os.Stdout, id, h); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", id.Name, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Serve runs one session. It returns nil when the core closes the stream
// between requests.
//
// Handler errors do not end the session: they are answered with an
// error-level diagnostic so the core can report them next to the provider.
func Serve(ctx context.Context, in io.Reader, out io.Writer, id protocol.Identity, h Handler) error {
	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)

	var hello protocol.Hello
	if err := protocol.Receive(r, &hello); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if id.Protocol == 0 {
		id.Protocol = protocol.ProtocolVersion
	}
	if err := protocol.Send(w, &id); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	ctx = context.WithValue(ctx, helloKey{}, &hello)

	for {
		msg, err := protocol.ReceiveAny(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var reply protocol.Message
		switch req := msg.(type) {
		case *protocol.PlanRequest:
			reply = plan(ctx, h, req)
		case *protocol.GenerateRequest:
			reply = generate(ctx, h, req)
		default:
			return fmt.Errorf("unexpected %s message", msg.Kind())
		}
		if err := protocol.Send(w, reply); err != nil {
			return err
		}
	}
}

func plan(ctx context.Context, h Handler, req *protocol.PlanRequest) (res *protocol.PlanResult) {
	defer func() {
		if p := recover(); p != nil {
			res = &protocol.PlanResult{Diagnostics: []protocol.Diagnostic{panicDiagnostic(p)}}
		}
	}()
	res, err := h.Plan(ctx, req)
	if err != nil {
		return &protocol.PlanResult{Diagnostics: []protocol.Diagnostic{errorDiagnostic("plan", err)}}
	}
	if res == nil {
		res = &protocol.PlanResult{}
	}
	return res
}

func generate(ctx context.Context, h Handler, req *protocol.GenerateRequest) (res *protocol.GenerateResult) {
	defer func() {
		if p := recover(); p != nil {
			res = &protocol.GenerateResult{Diagnostics: []protocol.Diagnostic{panicDiagnostic(p)}}
		}
	}()
	res, err := h.Generate(ctx, req)
	if err != nil {
		return &protocol.GenerateResult{Diagnostics: []protocol.Diagnostic{errorDiagnostic("generate", err)}}
	}
	if res == nil {
		res = &protocol.GenerateResult{}
	}
	return res
}

func errorDiagnostic(phase string, err error) protocol.Diagnostic {
	return protocol.Diagnostic{
		Level:   protocol.LevelError,
		Code:    CodeHandlerError,
		Title:   phase + " failed",
		Message: err.Error(),
	}
}

func panicDiagnostic(p any) protocol.Diagnostic {
	return protocol.Diagnostic{
		Level:   protocol.LevelError,
		Code:    CodeHandlerError,
		Title:   "plugin panicked",
		Message: fmt.Sprintf("%v\n%s", p, debug.Stack()),
	}
}

// Error builds an error-level diagnostic for handlers that want to report
// more than one problem at once.
func Error(code, title, message string) protocol.Diagnostic {
	return protocol.Diagnostic{Level: protocol.LevelError, Code: code, Title: title, Message: message}
}

// Warning builds a warning-level diagnostic.
func Warning(code, title, message string) protocol.Diagnostic {
	return protocol.Diagnostic{Level: protocol.LevelWarning, Code: code, Title: title, Message: message}
}
