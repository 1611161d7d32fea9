package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-tracker/internal/models"
)

// Message is the envelope written to passenger sockets.
type Message struct {
	Type string `json:"type"` // "presentation" or "notification"
	Data any    `json:"data"`
}

var notices = map[models.Phase]Notification{
	models.PhaseDriverAssigned: {Title: "Driver found", Body: "Your driver is on the way"},
	models.PhaseDriverArrived:  {Title: "Driver arrived", Body: "Your driver is waiting at the pickup point"},
	models.PhaseCompleted:      {Title: "Trip completed", Body: "Thanks for riding with us"},
	models.PhaseCancelled:      {Title: "Ride cancelled", Body: "Your ride was cancelled"},
}

// Notifier turns phase changes into passenger notifications: over the ride's
// open sockets, and to the device through the Pusher when one is set.
type Notifier struct {
	WS      *WSRegistry
	Push    Pusher // optional
	Timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewNotifier(ws *WSRegistry, push Pusher, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{WS: ws, Push: push, Timeout: 5 * time.Second, logger: logger}
}

// Watch returns a store subscriber for one ride. It fires once per phase
// entered, never for refreshes or health changes.
func (n *Notifier) Watch(rideID, deviceToken string) func(models.RideState) {
	var (
		mu   sync.Mutex
		last models.Phase = models.PhaseRequested
	)
	return func(s models.RideState) {
		mu.Lock()
		changed := s.Phase != last
		last = s.Phase
		mu.Unlock()
		if !changed {
			return
		}
		tmpl, ok := notices[s.Phase]
		if !ok {
			return
		}
		note := tmpl
		note.RideID = rideID
		note.Phase = string(s.Phase)
		n.send(rideID, deviceToken, note)
	}
}

func (n *Notifier) send(rideID, token string, note Notification) {
	if n.WS != nil {
		// no open screen is fine, the device push covers it
		_, _ = n.WS.Broadcast(rideID, Message{Type: "notification", Data: note})
	}
	if n.Push == nil || token == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.Timeout)
		defer cancel()
		if err := n.Push.Notify(ctx, token, note); err != nil {
			n.logger.Warn("push notification failed", "ride_id", rideID, "phase", note.Phase, "error", err)
		}
	}()
}

// Wait blocks until in-flight device pushes finish.
func (n *Notifier) Wait() { n.wg.Wait() }
