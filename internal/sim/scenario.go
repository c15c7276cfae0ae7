package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Credentials identify the account a scenario plays.
type Credentials struct {
	Email    string
	Password string
}

// Stats aggregates outcomes across workers. Fields are updated atomically.
type Stats struct {
	Logins    int64
	Rotations int64
	Rejected  int64
	Cascades  int64
}

func (s *Stats) addLogin()    { atomic.AddInt64(&s.Logins, 1) }
func (s *Stats) addRotation() { atomic.AddInt64(&s.Rotations, 1) }
func (s *Stats) addRejected() { atomic.AddInt64(&s.Rejected, 1) }
func (s *Stats) addCascade()  { atomic.AddInt64(&s.Cascades, 1) }

// Snapshot reads the counters without tearing.
func (s *Stats) Snapshot() Stats {
	return Stats{
		Logins:    atomic.LoadInt64(&s.Logins),
		Rotations: atomic.LoadInt64(&s.Rotations),
		Rejected:  atomic.LoadInt64(&s.Rejected),
		Cascades:  atomic.LoadInt64(&s.Cascades),
	}
}

// Scenario is one client behavior pattern.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, c *Client, creds Credentials, stats *Stats) error
}

// Honest logs in, rotates the secret a few times the way a well-behaved
// client would, then logs out. Every step must succeed.
func Honest(rotations int, pause time.Duration) Scenario {
	if rotations < 1 {
		rotations = 1
	}
	return Scenario{
		Name: "honest",
		Run: func(ctx context.Context, c *Client, creds Credentials, stats *Stats) error {
			sess, err := c.Login(ctx, creds.Email, creds.Password)
			if err != nil {
				return fmt.Errorf("honest: %w", err)
			}
			stats.addLogin()
			for i := 0; i < rotations; i++ {
				if pause > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(pause):
					}
				}
				sess, err = c.Refresh(ctx, sess)
				if err != nil {
					return fmt.Errorf("honest: rotation %d: %w", i+1, err)
				}
				stats.addRotation()
			}
			return c.Logout(ctx, sess)
		},
	}
}

// Replay simulates a stolen secret: the attacker presents a refresh secret
// that has already been rotated. The server must reject the replay and kill
// the legitimate successor too.
func Replay() Scenario {
	return Scenario{
		Name: "replay",
		Run: func(ctx context.Context, c *Client, creds Credentials, stats *Stats) error {
			root, err := c.Login(ctx, creds.Email, creds.Password)
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			stats.addLogin()

			child, err := c.Refresh(ctx, root)
			if err != nil {
				return fmt.Errorf("replay: rotate: %w", err)
			}
			stats.addRotation()

			if _, err := c.Refresh(ctx, root); !errors.Is(err, ErrRejected) {
				return fmt.Errorf("replay: stale secret accepted (err=%v)", err)
			}
			stats.addRejected()

			// The reuse must have revoked the whole lineage.
			if _, err := c.Refresh(ctx, child); !errors.Is(err, ErrRejected) {
				return fmt.Errorf("replay: successor survived reuse (err=%v)", err)
			}
			stats.addCascade()
			return nil
		},
	}
}

// DoubleSubmit fires two refreshes with the same secret at once, the way a
// retrying client or a proxy might. Exactly one may succeed. Whether the
// winner's session survives depends on arrival order: a true race leaves it
// alive, a sequential replay cascades it away. Both are counted.
func DoubleSubmit() Scenario {
	return Scenario{
		Name: "double-submit",
		Run: func(ctx context.Context, c *Client, creds Credentials, stats *Stats) error {
			sess, err := c.Login(ctx, creds.Email, creds.Password)
			if err != nil {
				return fmt.Errorf("double-submit: %w", err)
			}
			stats.addLogin()

			var (
				wg       sync.WaitGroup
				children [2]Session
				results  [2]error
			)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					children[i], results[i] = c.Refresh(ctx, sess)
				}(i)
			}
			wg.Wait()

			var winner Session
			wins, rejections := 0, 0
			for i, err := range results {
				switch {
				case err == nil:
					wins++
					winner = children[i]
				case errors.Is(err, ErrRejected):
					rejections++
				default:
					return fmt.Errorf("double-submit: %w", err)
				}
			}
			if wins != 1 || rejections != 1 {
				return fmt.Errorf("double-submit: want one winner and one rejection, got %d/%d", wins, rejections)
			}
			stats.addRotation()
			stats.addRejected()

			switch _, err := c.Refresh(ctx, winner); {
			case err == nil:
				stats.addRotation()
			case errors.Is(err, ErrRejected):
				stats.addCascade()
			default:
				return fmt.Errorf("double-submit: winner refresh: %w", err)
			}
			return nil
		},
	}
}

// Mixed cycles through the other scenarios with a pseudo-random pick.
func Mixed(seed int64) Scenario {
	var mu sync.Mutex
	rnd := rand.New(rand.NewSource(seed))
	pool := []Scenario{Honest(3, 0), Replay(), DoubleSubmit()}
	return Scenario{
		Name: "mixed",
		Run: func(ctx context.Context, c *Client, creds Credentials, stats *Stats) error {
			mu.Lock()
			pick := pool[rnd.Intn(len(pool))]
			mu.Unlock()
			return pick.Run(ctx, c, creds, stats)
		},
	}
}

// ByName resolves a scenario flag value.
func ByName(name string, seed int64) (Scenario, error) {
	switch name {
	case "honest":
		return Honest(3, 0), nil
	case "replay":
		return Replay(), nil
	case "double-submit":
		return DoubleSubmit(), nil
	case "mixed":
		return Mixed(seed), nil
	default:
		return Scenario{}, fmt.Errorf("unknown scenario %q", name)
	}
}
