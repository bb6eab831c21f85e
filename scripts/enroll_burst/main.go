package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	"github.com/noah-isme/sma-adp-enrollment/internal/service"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type jobView struct {
	JobID  string             `json:"job_id"`
	State  models.JobState    `json:"state"`
	Result *models.Enrollment `json:"result"`
	Error  *models.JobError   `json:"error"`
}

type outcome struct {
	Requester string
	Job       jobView
	Duration  time.Duration
	Err       error
}

type client struct {
	http   *http.Client
	base   string
	tokens *service.AuthService
}

func main() {
	var (
		base        string
		courseID    string
		requesters  int
		secret      string
		timeout     time.Duration
		pollTimeout time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080/api/v1", "API base URL including prefix")
	flag.StringVar(&courseID, "course", "", "Course to enroll into")
	flag.IntVar(&requesters, "n", 20, "Number of distinct requesters submitting at once")
	flag.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret shared with the server")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.DurationVar(&pollTimeout, "poll-timeout", 30*time.Second, "How long to wait for every job to finish")
	flag.Parse()

	if courseID == "" || secret == "" {
		log.Fatal("-course and -secret are required")
	}

	c := &client{
		http:   &http.Client{Timeout: timeout},
		base:   strings.TrimRight(base, "/"),
		tokens: service.NewAuthService(nil, service.AuthConfig{AccessTokenSecret: secret, AccessTokenExpiry: time.Hour}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	results := make([]outcome, requesters)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < requesters; i++ {
		i := i
		g.Go(func() error {
			requester := fmt.Sprintf("burst-%03d", i)
			start := time.Now()
			job, err := c.enrollAndWait(gctx, requester, courseID)
			results[i] = outcome{Requester: requester, Job: job, Duration: time.Since(start), Err: err}
			return nil
		})
	}
	_ = g.Wait()

	course, err := c.course(ctx, courseID)
	if err != nil {
		log.Fatalf("failed to load course: %v", err)
	}
	waitlist, err := c.waitlist(ctx, courseID)
	if err != nil {
		log.Fatalf("failed to load waitlist: %v", err)
	}

	violations := printReport(results, course, waitlist)
	fmt.Printf("Violations: %d\n", violations)
	if violations > 0 {
		os.Exit(1)
	}
}

func (c *client) enrollAndWait(ctx context.Context, requester, courseID string) (jobView, error) {
	payload, _ := json.Marshal(map[string]string{"course_id": courseID})
	var job jobView
	if err := c.do(ctx, requester, http.MethodPost, "/enrollments", payload, &job); err != nil {
		return job, err
	}
	for !job.State.Terminal() {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		if err := c.do(ctx, requester, http.MethodGet, "/enrollments/status/"+job.JobID, nil, &job); err != nil {
			return job, err
		}
	}
	return job, nil
}

func (c *client) course(ctx context.Context, courseID string) (*models.Course, error) {
	var course models.Course
	if err := c.do(ctx, "burst-admin", http.MethodGet, "/courses/"+courseID, nil, &course); err != nil {
		return nil, err
	}
	return &course, nil
}

func (c *client) waitlist(ctx context.Context, courseID string) ([]models.WaitlistEntry, error) {
	var out struct {
		Entries []models.WaitlistEntry `json:"entries"`
	}
	if err := c.do(ctx, "burst-admin", http.MethodGet, "/enrollments/waitlist/"+courseID, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *client) do(ctx context.Context, requester, method, path string, body []byte, into interface{}) error {
	token, _, err := c.tokens.IssueToken(requester, models.RoleStudent)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s %s (%d): %w", method, path, resp.StatusCode, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s %s: %s %s", method, path, env.Error.Code, env.Error.Message)
	}
	if len(env.Data) == 0 {
		return errors.New("empty response data")
	}
	return json.Unmarshal(env.Data, into)
}

func printReport(results []outcome, course *models.Course, waitlist []models.WaitlistEntry) int {
	fmt.Println("Enrollment Burst Report")
	fmt.Println("=======================")

	violations := 0
	counts := map[string]int{}
	for _, res := range results {
		switch {
		case res.Err != nil:
			counts["ERROR"]++
			violations++
			fmt.Printf("[ERROR] %s: %v\n", res.Requester, res.Err)
		case res.Job.State == models.JobStateFailed:
			code := "FAILED"
			if res.Job.Error != nil {
				code = res.Job.Error.Code
			}
			counts[code]++
		case res.Job.Result != nil:
			counts[string(res.Job.Result.Status)]++
		}
	}
	for outcome, n := range counts {
		fmt.Printf("  %-20s %d\n", outcome, n)
	}

	fmt.Printf("Course %s: confirmed %d / capacity %d, waitlisted %d\n", course.ID, course.ConfirmedCount, course.Capacity, len(waitlist))
	if course.ConfirmedCount > course.Capacity {
		violations++
		fmt.Println("  confirmed count exceeds capacity")
	}
	if len(waitlist) > 0 && course.ConfirmedCount < course.Capacity {
		violations++
		fmt.Println("  waitlist is not empty while seats are free")
	}
	for i, entry := range waitlist {
		if entry.Position != i+1 {
			violations++
			fmt.Printf("  waitlist position %d found at index %d\n", entry.Position, i)
		}
		if i > 0 && entry.Sequence < waitlist[i-1].Sequence {
			violations++
			fmt.Printf("  waitlist out of submission order at position %d\n", entry.Position)
		}
	}
	return violations
}
