package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/happyhq/hub/internal/common/logger"
)

// testAgent fakes the child process side of the line protocol.
type testAgent struct {
	stdin  *io.PipeReader // what the client wrote
	stdout *io.PipeWriter // what the client reads
	lines  *bufio.Scanner
}

func newTestClient(t *testing.T) (*Client, *testAgent) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	client := NewClient(inW, outR, logger.Default())
	client.Start(context.Background())
	t.Cleanup(client.Stop)

	agent := &testAgent{stdin: inR, stdout: outW, lines: bufio.NewScanner(inR)}
	return client, agent
}

func (a *testAgent) readRequest(t *testing.T) *Request {
	t.Helper()
	if !a.lines.Scan() {
		t.Fatalf("expected a request line, got EOF: %v", a.lines.Err())
	}
	var req Request
	if err := json.Unmarshal(a.lines.Bytes(), &req); err != nil {
		t.Fatalf("failed to parse request line: %v", err)
	}
	return &req
}

func (a *testAgent) writeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := a.stdout.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to write line to client: %v", err)
	}
}

func TestCallCorrelatesResponseByID(t *testing.T) {
	client, agent := newTestClient(t)

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.Call(context.Background(), MethodThreadStart, &ThreadStartParams{Cwd: "/tmp"}, time.Second)
		done <- result{resp, err}
	}()

	req := agent.readRequest(t)
	if req.Method != MethodThreadStart {
		t.Errorf("expected method %q, got %q", MethodThreadStart, req.Method)
	}
	id, ok := numericID(req.ID)
	if !ok {
		t.Fatalf("expected numeric request id, got %v", req.ID)
	}

	agent.writeLine(t, fmt.Sprintf(`{"id":%d,"result":{"thread":{"id":"th_1"}}}`, id))

	r := <-done
	if r.err != nil {
		t.Fatalf("unexpected call error: %v", r.err)
	}
	var res ThreadStartResult
	if err := json.Unmarshal(r.resp.Result, &res); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if res.Thread == nil || res.Thread.ID != "th_1" {
		t.Errorf("expected thread id th_1, got %+v", res.Thread)
	}
}

func TestCallTimesOut(t *testing.T) {
	client, agent := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), MethodTurnInterrupt, nil, 50*time.Millisecond)
		done <- err
	}()

	agent.readRequest(t)

	err := <-done
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Method != MethodTurnInterrupt {
		t.Errorf("expected timed-out method %q, got %q", MethodTurnInterrupt, te.Method)
	}
}

func TestCallAbortsOnContextCancel(t *testing.T) {
	client, agent := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, MethodTurnStart, nil, time.Minute)
		done <- err
	}()

	agent.readRequest(t)
	cancel()

	if err := <-done; !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}
}

func TestCallWithCancelledContextNeverWrites(t *testing.T) {
	client, agent := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Call(ctx, MethodTurnStart, nil, time.Minute); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}

	// Nothing should have been written; a follow-up call's frame must be
	// the first line the agent sees.
	go func() {
		_, _ = client.Call(context.Background(), MethodInitialize, nil, time.Second)
	}()
	req := agent.readRequest(t)
	if req.Method != MethodInitialize {
		t.Errorf("expected first written frame to be %q, got %q", MethodInitialize, req.Method)
	}
}

func TestProtocolErrorRejectsAllPending(t *testing.T) {
	client, agent := newTestClient(t)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.Call(context.Background(), MethodTurnStart, nil, time.Minute)
			done <- err
		}()
	}
	agent.readRequest(t)
	agent.readRequest(t)

	agent.writeLine(t, "this is not json")

	for i := 0; i < 2; i++ {
		err := <-done
		if err == nil {
			t.Fatal("expected pending call to reject after protocol error")
		}
	}

	// The client is unusable afterwards.
	if _, err := client.Call(context.Background(), MethodInitialize, nil, time.Second); err == nil {
		t.Error("expected calls after protocol error to fail")
	}
}

func TestUnknownAgentRequestGetsMethodNotFound(t *testing.T) {
	_, agent := newTestClient(t)

	agent.writeLine(t, `{"id":"srv-1","method":"no/such/method","params":{}}`)

	var resp Response
	if !agent.lines.Scan() {
		t.Fatalf("expected a response line, got EOF: %v", agent.lines.Err())
	}
	if err := json.Unmarshal(agent.lines.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("expected error code %d, got %+v", MethodNotFound, resp.Error)
	}
	if resp.ID != "srv-1" {
		t.Errorf("expected response id srv-1, got %v", resp.ID)
	}
}

func TestAgentRequestHandlerErrorsAsInternal(t *testing.T) {
	client, agent := newTestClient(t)
	client.RegisterRequestHandler(RequestCmdExecApproval, func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	agent.writeLine(t, `{"id":7,"method":"item/commandExecution/requestApproval","params":{"command":"ls"}}`)

	if !agent.lines.Scan() {
		t.Fatalf("expected a response line, got EOF: %v", agent.lines.Err())
	}
	var resp Response
	if err := json.Unmarshal(agent.lines.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != InternalError {
		t.Errorf("expected error code %d, got %+v", InternalError, resp.Error)
	}
}

func TestAgentRequestHandlerResult(t *testing.T) {
	client, agent := newTestClient(t)
	client.RegisterRequestHandler(RequestCmdExecApproval, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p CommandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if p.Command != "rm -rf /tmp/x" {
			return nil, fmt.Errorf("unexpected command %q", p.Command)
		}
		return &ApprovalResponse{Decision: "decline"}, nil
	})

	agent.writeLine(t, `{"id":3,"method":"item/commandExecution/requestApproval","params":{"command":"rm -rf /tmp/x"}}`)

	if !agent.lines.Scan() {
		t.Fatalf("expected a response line, got EOF: %v", agent.lines.Err())
	}
	var resp Response
	if err := json.Unmarshal(agent.lines.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	var approval ApprovalResponse
	if err := json.Unmarshal(resp.Result, &approval); err != nil {
		t.Fatalf("failed to parse approval result: %v", err)
	}
	if approval.Decision != "decline" {
		t.Errorf("expected decision decline, got %q", approval.Decision)
	}
}

func TestNotificationsReachHandler(t *testing.T) {
	client, agent := newTestClient(t)

	got := make(chan string, 1)
	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- method
	})

	agent.writeLine(t, `{"method":"turn/completed","params":{"threadId":"th_1","turnId":"t_1"}}`)

	select {
	case method := <-got:
		if method != NotifyTurnCompleted {
			t.Errorf("expected method %q, got %q", NotifyTurnCompleted, method)
		}
	case <-time.After(time.Second):
		t.Fatal("notification handler was not invoked")
	}
}

func TestStopRejectsPending(t *testing.T) {
	client, agent := newTestClient(t)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), MethodTurnStart, nil, time.Minute)
		done <- err
	}()
	agent.readRequest(t)

	client.Stop()

	err := <-done
	if err == nil {
		t.Fatal("expected pending call to reject after Stop")
	}
}
