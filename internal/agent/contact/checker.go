// Package contact tracks whether the manager is hearing from the agent of each host.
package contact

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/whamcloud/lmgr/internal/common/logging"
	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/lustre"
	"github.com/whamcloud/lmgr/internal/scheduler"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
)

// Store returns when each host was last heard from, by fqdn.
type Store interface {
	GetContacts() (map[string]time.Time, error)
}

// ObjectNotifier is the part of the scheduler the checker reports to.
type ObjectNotifier interface {
	ListObjects(class model.Class) []*model.StatefulObject
	Notify(ctx *mgrcontext.Context, obs scheduler.Observation) (bool, error)
}

// Checker sets the contact attribute of hosts. A host whose agent has not been heard from for contactTimeout
// loses contact. No host loses contact within startupDelay of the checker being created, so that agents have
// time to reconnect after the manager restarts.
type Checker struct {
	store          Store
	notifier       ObjectNotifier
	contactTimeout time.Duration
	startupDelay   time.Duration
	clock          clock.Clock
	started        time.Time
}

func NewChecker(store Store, notifier ObjectNotifier, contactTimeout, startupDelay time.Duration, clock clock.Clock) *Checker {
	return &Checker{
		store:          store,
		notifier:       notifier,
		contactTimeout: contactTimeout,
		startupDelay:   startupDelay,
		clock:          clock,
		started:        clock.Now(),
	}
}

// Check updates the contact attribute of every host whose contact has changed.
func (c *Checker) Check(ctx *mgrcontext.Context) error {
	contacts, err := c.store.GetContacts()
	if err != nil {
		return err
	}
	now := c.clock.Now()
	inStartup := now.Sub(c.started) < c.startupDelay
	for _, host := range c.notifier.ListObjects(lustre.Host) {
		fqdn := host.StringAttr(lustre.AttrFqdn)
		if fqdn == "" {
			continue
		}
		last, seen := contacts[fqdn]
		contact := seen && now.Sub(last) < c.contactTimeout
		if !contact && inStartup {
			continue
		}
		current, known := host.Attributes[lustre.AttrContact].(bool)
		if known && current == contact {
			continue
		}
		hostCtx := mgrcontext.WithLogField(ctx, "fqdn", fqdn)
		if contact {
			hostCtx.Log.Info("Host contact established")
		} else if seen {
			hostCtx.Log.Warnf("Lost contact with host, last heard from at %s", last.Format(time.RFC3339))
		} else {
			hostCtx.Log.Warn("No contact with host")
		}
		if _, err := c.notifier.Notify(hostCtx, scheduler.Observation{
			Object:     host.Ref,
			At:         now,
			Attributes: map[string]interface{}{lustre.AttrContact: contact},
		}); err != nil {
			logging.WithStacktrace(hostCtx.Log, err).Error("Failed to record host contact")
		}
	}
	return nil
}

// Task adapts Check to the background task manager.
func (c *Checker) Task(ctx *mgrcontext.Context) func() {
	return func() {
		if err := c.Check(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("Failed to check host contact")
		}
	}
}
