package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

const testToken = "0123456789abcdef"

type countingHandler struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req *Request) *Response
}

func (h *countingHandler) Handle(ctx context.Context, req *Request) *Response {
	h.calls.Add(1)
	if h.fn != nil {
		return h.fn(ctx, req)
	}
	return &Response{Status: StatusPong}
}

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Token: testToken, MaxConnections: 4, ReadTimeout: 2 * time.Second}, h)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func TestServerRejectsWrongTokenWithoutResponse(t *testing.T) {
	for _, token := range []string{"", "wrong-token"} {
		h := &countingHandler{}
		srv := startServer(t, h)

		raw, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		conn := NewConn(raw)
		if err := conn.WriteFrame(Request{Token: token, Type: TypeExecuteCommand, Command: "whoami"}); err != nil {
			t.Fatalf("write: %v", err)
		}

		raw.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 1)
		n, err := raw.Read(buf)
		if n != 0 || !errors.Is(err, io.EOF) {
			t.Fatalf("token %q: expected close with no bytes, got n=%d err=%v", token, n, err)
		}
		raw.Close()

		if h.calls.Load() != 0 {
			t.Fatalf("token %q: handler must not run", token)
		}
	}
}

func TestClientSeesNoResponseOnBadToken(t *testing.T) {
	h := &countingHandler{}
	srv := startServer(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewClient(srv.Addr().String(), "not-the-token").Do(ctx, PingRequest())
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got %v", err)
	}
}

func TestServerDispatchesAuthenticatedRequest(t *testing.T) {
	h := &countingHandler{fn: func(ctx context.Context, req *Request) *Response {
		if req.Token != "" {
			return &Response{Status: StatusError, Details: "token leaked to handler"}
		}
		return &Response{Status: StatusSuccess, Details: "ran " + req.Command}
	}}
	srv := startServer(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := NewClient(srv.Addr().String(), testToken).Do(ctx, ExecuteRequest("echo hi", 10))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != StatusSuccess || resp.Details != "ran echo hi" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestServerSurvivesHandlerPanic(t *testing.T) {
	h := &countingHandler{fn: func(ctx context.Context, req *Request) *Response {
		if req.Type == TypeInfo {
			panic("dialog exploded")
		}
		return &Response{Status: StatusPong}
	}}
	srv := startServer(t, h)
	client := NewClient(srv.Addr().String(), testToken)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Do(ctx, InfoRequest("t", "m", "")); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("panicking request should close the connection, got %v", err)
	}
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("listener should keep serving after a panic: %v", err)
	}
}

func TestSlowRequestDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	h := &countingHandler{fn: func(ctx context.Context, req *Request) *Response {
		if req.Type == TypeExecuteCommand {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return &Response{Status: StatusSuccess}
		}
		return &Response{Status: StatusPong}
	}}
	srv := startServer(t, h)
	client := NewClient(srv.Addr().String(), testToken)

	slowDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := client.Do(ctx, ExecuteRequest("long", 0))
		slowDone <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping while a command runs: %v", err)
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow request: %v", err)
	}
}

func TestListenOnTakenPortIsAlreadyRunning(t *testing.T) {
	first := startServer(t, &countingHandler{})

	second := NewServer(ServerConfig{Addr: first.Addr().String(), Token: testToken}, &countingHandler{})
	err := second.Listen()
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestServerWithoutTokenRejectsEverything(t *testing.T) {
	h := &countingHandler{}
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, h)
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	if _, err := NewClient(srv.Addr().String(), "").Do(reqCtx, PingRequest()); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if h.calls.Load() != 0 {
		t.Fatal("handler must not run without a configured token")
	}
}
