package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"chatcore/internal/auth"
	"chatcore/internal/models"
	"chatcore/internal/protocol"
)

type User struct {
	ID    string
	Token string
}

type options struct {
	users          int
	messagesPerSec float64
	duration       time.Duration
	baseURL        string
	secret         string
	batchSize      int
}

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

type Stats struct {
	sync.Mutex
	totalRequests     int64
	successRequests   int64
	failedRequests    int64
	totalLatency      time.Duration
	maxLatency        time.Duration
	minLatency        time.Duration
	requestsPerSecond float64
	writeLatencies    []time.Duration // dm:send until dm:sent
	readLatencies     []time.Duration // REST history fetch
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func (s *Stats) calculateStats(duration time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.requestsPerSecond = float64(s.totalRequests) / duration.Seconds()
}

func (s *Stats) getP99Latency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	p99Index := int(float64(len(sorted)) * 0.99)
	if p99Index >= len(sorted) {
		p99Index = len(sorted) - 1
	}

	return sorted[p99Index]
}

func (s *Stats) getP99WriteLatency() time.Duration {
	s.Lock()
	defer s.Unlock()
	return s.getP99Latency(s.writeLatencies)
}

func (s *Stats) getP99ReadLatency() time.Duration {
	s.Lock()
	defer s.Unlock()
	return s.getP99Latency(s.readLatencies)
}

// mintUser signs a credential locally; identities are issued elsewhere.
func mintUser(id int, secret string) (*User, error) {
	userID := fmt.Sprintf("loadtest_user_%d", id)
	token, err := auth.SignHS256([]byte(secret), auth.Identity{
		UserID:      userID,
		DisplayName: fmt.Sprintf("Load Test %d", id),
	}, 24*time.Hour, time.Now())
	if err != nil {
		return nil, err
	}
	return &User{ID: userID, Token: token}, nil
}

func startConversation(client *http.Client, baseURL string, user *User, peerID string) (string, error) {
	body, err := json.Marshal(models.CreateConversationRequest{PeerID: peerID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+"/conversations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+user.Token)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("conversation creation failed with status: %d", resp.StatusCode)
	}

	var conv models.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return "", err
	}
	return conv.ID, nil
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// simulateUser sends messages over one WebSocket connection and, half of
// the time, fetches history over REST instead.
func simulateUser(logger *slog.Logger, opts options, user *User, conversationID string, wg *sync.WaitGroup, stats *Stats) {
	defer wg.Done()

	wsURL := "ws" + strings.TrimPrefix(opts.baseURL, "http") + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + user.Token}})
	if err != nil {
		stats.recordError()
		logger.Warn("failed to connect", "user_id", user.ID, "error", err)
		return
	}
	defer conn.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]time.Time) // clientMessageId -> sent at
	)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var f inboundFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Event {
			case protocol.EventDMSent:
				var ack protocol.Sent
				if json.Unmarshal(f.Data, &ack) != nil {
					continue
				}
				mu.Lock()
				start, ok := pending[ack.ClientMessageID]
				delete(pending, ack.ClientMessageID)
				mu.Unlock()
				if ok {
					stats.recordSuccess(time.Since(start), WriteOperation)
				}
			case protocol.EventError:
				stats.recordError()
				logger.Debug("server rejected event", "user_id", user.ID, "data", string(f.Data))
			}
		}
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.messagesPerSec))
	defer ticker.Stop()

	endTime := time.Now().Add(opts.duration)
	for time.Now().Before(endTime) {
		<-ticker.C

		if rand.Float32() < 0.5 {
			clientID := uuid.NewString()
			mu.Lock()
			pending[clientID] = time.Now()
			mu.Unlock()
			err := conn.WriteJSON(map[string]any{
				"event": protocol.EventDMSend,
				"data": protocol.DMSend{
					ConversationID:  conversationID,
					Content:         fmt.Sprintf("Test message from %s at %s", user.ID, time.Now().Format(time.RFC3339)),
					ClientMessageID: clientID,
				},
			})
			if err != nil {
				stats.recordError()
				logger.Warn("failed to send message", "user_id", user.ID, "error", err)
				return
			}
			continue
		}

		req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/conversations/%s/messages?limit=50", opts.baseURL, conversationID), nil)
		if err != nil {
			stats.recordError()
			continue
		}
		req.Header.Set("Authorization", "Bearer "+user.Token)

		start := time.Now()
		resp, err := client.Do(req)
		duration := time.Since(start)
		if err != nil {
			stats.recordError()
			logger.Warn("failed to read messages", "user_id", user.ID, "error", err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			stats.recordError()
			logger.Warn("error response", "status", resp.StatusCode)
		} else {
			stats.recordSuccess(duration, ReadOperation)
		}
		resp.Body.Close()
	}

	// Give outstanding acknowledgements a moment before hanging up.
	time.Sleep(time.Second)
	conn.Close()
	<-readerDone

	mu.Lock()
	for range pending {
		stats.recordError()
	}
	mu.Unlock()
}

func main() {
	var opts options
	pflag.IntVar(&opts.users, "users", 1000, "Number of simulated users (rounded down to an even number)")
	pflag.Float64Var(&opts.messagesPerSec, "rate", 1, "Operations per second per user")
	pflag.DurationVar(&opts.duration, "duration", 60*time.Second, "Simulation length")
	pflag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "Server base URL")
	pflag.StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret shared with the server")
	pflag.IntVar(&opts.batchSize, "batch", 100, "Conversations created in parallel")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if opts.secret == "" {
		logger.Error("a signing secret is required (--secret or JWT_SECRET)")
		os.Exit(1)
	}
	if opts.messagesPerSec <= 0 {
		logger.Error("--rate must be positive")
		os.Exit(1)
	}
	opts.users -= opts.users % 2

	logger.Info("starting load test",
		"users", opts.users, "rate", opts.messagesPerSec, "duration", opts.duration)
	logger.Info("start the server with --loadtest to use a separate database")

	users := make([]*User, opts.users)
	for i := range users {
		u, err := mintUser(i, opts.secret)
		if err != nil {
			logger.Error("failed to mint credential", "error", err)
			os.Exit(1)
		}
		users[i] = u
	}

	// Pair users up: user 2k talks to user 2k+1.
	conversations := make([]string, opts.users)
	client := &http.Client{Timeout: 5 * time.Second}
	startTime := time.Now()
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		failures int
	)
	for i := 0; i < opts.users; i += 2 * opts.batchSize {
		end := min(i+2*opts.batchSize, opts.users)
		for j := i; j < end; j += 2 {
			wg.Add(1)
			go func(a, b int) {
				defer wg.Done()
				id, err := startConversation(client, opts.baseURL, users[a], users[b].ID)
				if err != nil {
					errMu.Lock()
					failures++
					if failures <= 10 {
						logger.Warn("failed to create conversation", "user_id", users[a].ID, "error", err)
					}
					errMu.Unlock()
					return
				}
				conversations[a], conversations[b] = id, id
			}(j, j+1)
		}
		wg.Wait()
	}
	logger.Info("conversations ready", "took", time.Since(startTime), "failed", failures)

	if failures > opts.users/4 {
		logger.Error("too many setup failures, aborting load test")
		os.Exit(1)
	}

	var loadTestWg sync.WaitGroup
	stats := &Stats{}
	start := time.Now()
	for i, user := range users {
		if conversations[i] == "" {
			continue
		}
		loadTestWg.Add(1)
		go simulateUser(logger, opts, user, conversations[i], &loadTestWg, stats)
	}
	loadTestWg.Wait()
	duration := time.Since(start)

	stats.calculateStats(duration)

	var avg time.Duration
	if stats.successRequests > 0 {
		avg = stats.totalLatency / time.Duration(stats.successRequests)
	}
	logger.Info("load test results",
		"total_requests", stats.totalRequests,
		"successful_requests", stats.successRequests,
		"failed_requests", stats.failedRequests,
		"avg_latency", avg,
		"min_latency", stats.minLatency,
		"max_latency", stats.maxLatency,
		"p99_write_latency", stats.getP99WriteLatency(),
		"p99_read_latency", stats.getP99ReadLatency(),
		"requests_per_second", fmt.Sprintf("%.2f", stats.requestsPerSecond),
		"total_duration", duration,
	)
}
