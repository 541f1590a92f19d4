package captcha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeClock advances on Sleep so deadline tests run instantly.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

// solverStub is a scripted in.php/res.php service.
type solverStub struct {
	submitStatus int
	submitBody   string
	readyAfter   int // res.php polls before the token is returned
	polls        int
	failBody     string // non-empty: res.php reports this error code
}

func (s *solverStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", 405)
			return
		}
		fmt.Fprintf(w, `{"status":%d,"request":%q}`, s.submitStatus, s.submitBody)
	})
	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		s.polls++
		if s.failBody != "" {
			fmt.Fprintf(w, `{"status":0,"request":%q}`, s.failBody)
			return
		}
		if s.polls <= s.readyAfter {
			fmt.Fprint(w, `{"status":0,"request":"CAPCHA_NOT_READY"}`)
			return
		}
		fmt.Fprint(w, `{"status":1,"request":"tok-12345"}`)
	})
	return mux
}

func newTestClient(t *testing.T, stub *solverStub, clk *fakeClock) *Client {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		PollInterval: time.Second,
		Deadline:     5 * time.Second,
		Clock:        clk,
	})
}

func TestSolve_ReadyAfterPolls(t *testing.T) {
	// WHAT: The token arrives after a few CAPCHA_NOT_READY polls.
	// WHY: Normal solve flow — submit, wait, collect.
	stub := &solverStub{submitStatus: 1, submitBody: "job-1", readyAfter: 2}
	c := newTestClient(t, stub, &fakeClock{})

	token, err := c.Solve(context.Background(), "https://example.test/listing", "site-key-1")
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if token != "tok-12345" {
		t.Errorf("token: got %q", token)
	}
	if stub.polls != 3 {
		t.Errorf("polls: got %d, want 3", stub.polls)
	}
}

func TestSolve_SubmissionRejected(t *testing.T) {
	// WHAT: A status-0 submission returns ErrRejected immediately.
	// WHY: Submission errors are not retried at this layer.
	stub := &solverStub{submitStatus: 0, submitBody: "ERROR_WRONG_USER_KEY"}
	c := newTestClient(t, stub, &fakeClock{})

	_, err := c.Solve(context.Background(), "https://example.test", "k")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err: got %v, want ErrRejected", err)
	}
	if stub.polls != 0 {
		t.Errorf("polled %d times after a rejected submission", stub.polls)
	}
}

func TestSolve_DeadlineExceeded(t *testing.T) {
	// WHAT: A job that is never ready fails with ErrTimeout at the
	// deadline, without wall-clock sleeping.
	// WHY: The reservation flow needs a bounded, testable solve budget.
	stub := &solverStub{submitStatus: 1, submitBody: "job-1", readyAfter: 1 << 30}
	c := newTestClient(t, stub, &fakeClock{})

	_, err := c.Solve(context.Background(), "https://example.test", "k")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err: got %v, want ErrTimeout", err)
	}
	// 5s deadline at 1s interval: polls at t=0..4.
	if stub.polls != 5 {
		t.Errorf("polls: got %d, want 5", stub.polls)
	}
}

func TestSolve_JobFailure(t *testing.T) {
	// WHAT: A terminal job error (not CAPCHA_NOT_READY) aborts the poll.
	// WHY: Unsolvable jobs must fail fast, not burn the whole deadline.
	stub := &solverStub{submitStatus: 1, submitBody: "job-1", failBody: "ERROR_CAPTCHA_UNSOLVABLE"}
	c := newTestClient(t, stub, &fakeClock{})

	_, err := c.Solve(context.Background(), "https://example.test", "k")
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("err: got %v, want terminal job failure", err)
	}
	if stub.polls != 1 {
		t.Errorf("polls: got %d, want 1", stub.polls)
	}
}
