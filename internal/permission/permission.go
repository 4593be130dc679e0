// Package permission implements per-device, per-capability grants with
// policy-driven auto-approval, expiry and revocation.
package permission

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/device"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/logging"
)

// Permission names a cross-device capability.
type Permission string

const (
	PermClipboard    Permission = "clipboard"
	PermFileTransfer Permission = "file-transfer"
	PermScreenShare  Permission = "screen-share"
	PermInputControl Permission = "input-control"
	PermAudio        Permission = "audio"
	PermCamera       Permission = "camera"
	PermMicrophone   Permission = "microphone"
	PermBrowserSync  Permission = "browser-sync"
)

// RequestStatus is the lifecycle state of a permission request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
	StatusExpired  RequestStatus = "expired"
)

// Rule is a granted (or explicitly refused) capability for one device.
type Rule struct {
	DeviceID   string     `json:"deviceId"`
	Permission Permission `json:"permission"`
	Granted    bool       `json:"granted"`
	GrantedBy  string     `json:"grantedBy"`
	Reason     string     `json:"reason,omitempty"`
	GrantedAt  time.Time  `json:"grantedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Request tracks a device's ask for a set of capabilities.
type Request struct {
	ID          string        `json:"id"`
	DeviceID    string        `json:"deviceId"`
	DeviceName  string        `json:"deviceName"`
	Permissions []Permission  `json:"permissions"`
	Reason      string        `json:"reason,omitempty"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	Approved    []Permission  `json:"approved,omitempty"`
	Denied      []Permission  `json:"denied,omitempty"`
	Pending     []Permission  `json:"pending,omitempty"`
}

// Policy partitions capabilities into the three handling classes and sets
// the default grant lifetime.
type Policy struct {
	AutoApprove     []Permission
	AutoDeny        []Permission
	RequireApproval []Permission
	DefaultExpiry   time.Duration // 0 means grants never expire
}

func (p Policy) class(perm Permission) string {
	for _, x := range p.AutoDeny {
		if x == perm {
			return "deny"
		}
	}
	for _, x := range p.AutoApprove {
		if x == perm {
			return "approve"
		}
	}
	return "ask"
}

// System is the permission gate consulted before every cross-device
// operation.
type System struct {
	policy Policy
	bus    *events.Bus
	aud    *audit.Logger
	log    logging.Logger

	mu       sync.Mutex
	rules    map[string]*Rule // keyed device|permission
	requests map[string]*Request
}

func NewSystem(policy Policy, bus *events.Bus, aud *audit.Logger, log logging.Logger) *System {
	return &System{
		policy:   policy,
		bus:      bus,
		aud:      aud,
		log:      log,
		rules:    make(map[string]*Rule),
		requests: make(map[string]*Request),
	}
}

func ruleKey(deviceID string, perm Permission) string {
	return deviceID + "|" + string(perm)
}

// Request partitions the asked permissions by policy: auto-approved ones
// are granted immediately (system-attributed), auto-denied ones are logged
// and rejected, and the rest stay pending. When nothing is left pending the
// request resolves synchronously: approved if nothing was denied, denied
// otherwise.
func (s *System) Request(dev device.Device, perms []Permission, reason string) (*Request, error) {
	if len(perms) == 0 {
		return nil, fmt.Errorf("%w: empty permission set", common.ErrValidation)
	}

	req := &Request{
		ID:          uuid.NewString(),
		DeviceID:    dev.ID,
		DeviceName:  dev.Name,
		Permissions: perms,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}

	for _, perm := range perms {
		switch s.policy.class(perm) {
		case "approve":
			s.grant(dev.ID, perm, "system", reason)
			req.Approved = append(req.Approved, perm)
		case "deny":
			req.Denied = append(req.Denied, perm)
			s.aud.Log(audit.Entry{
				Level:    audit.LevelWarning,
				Category: "permission",
				Action:   "auto-deny",
				DeviceID: dev.ID,
				Success:  false,
				Details:  map[string]any{"permission": perm, "reason": reason},
			})
			s.bus.Publish(events.TypePermissionDenied, *req)
		default:
			req.Pending = append(req.Pending, perm)
		}
	}

	switch {
	case len(req.Pending) > 0:
		req.Status = StatusPending
		s.bus.Publish(events.TypePermissionRequested, *req)
	case len(req.Denied) > 0:
		req.Status = StatusDenied
	default:
		req.Status = StatusApproved
	}

	s.mu.Lock()
	s.requests[req.ID] = req
	s.mu.Unlock()
	return req, nil
}

// Approve grants every pending permission of a pending request.
func (s *System) Approve(requestID, by string) (*Request, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return nil, common.ErrNotFound
	}
	if req.Status != StatusPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: request is %s", common.ErrInvalidState, req.Status)
	}
	pending := req.Pending
	req.Pending = nil
	req.Approved = append(req.Approved, pending...)
	if len(req.Denied) > 0 {
		req.Status = StatusDenied
	} else {
		req.Status = StatusApproved
	}
	deviceID, reason := req.DeviceID, req.Reason
	s.mu.Unlock()

	for _, perm := range pending {
		s.grant(deviceID, perm, by, reason)
	}
	return req, nil
}

// Deny rejects a pending request without creating any rule.
func (s *System) Deny(requestID, by string) (*Request, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return nil, common.ErrNotFound
	}
	if req.Status != StatusPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: request is %s", common.ErrInvalidState, req.Status)
	}
	req.Denied = append(req.Denied, req.Pending...)
	req.Pending = nil
	req.Status = StatusDenied
	reqCopy := *req
	s.mu.Unlock()

	s.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "permission",
		Action:   "deny",
		DeviceID: reqCopy.DeviceID,
		UserID:   by,
		Success:  true,
		Details:  map[string]any{"requestId": requestID},
	})
	s.bus.Publish(events.TypePermissionDenied, reqCopy)
	return req, nil
}

// Grant creates a granted rule directly, bypassing the request flow.
func (s *System) Grant(deviceID string, perm Permission, by string) {
	s.grant(deviceID, perm, by, "")
}

func (s *System) grant(deviceID string, perm Permission, by, reason string) {
	rule := &Rule{
		DeviceID:   deviceID,
		Permission: perm,
		Granted:    true,
		GrantedBy:  by,
		Reason:     reason,
		GrantedAt:  time.Now().UTC(),
	}
	if s.policy.DefaultExpiry > 0 {
		exp := rule.GrantedAt.Add(s.policy.DefaultExpiry)
		rule.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.rules[ruleKey(deviceID, perm)] = rule
	s.mu.Unlock()

	s.bus.Publish(events.TypePermissionGranted, *rule)
	s.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "permission",
		Action:   "grant",
		DeviceID: deviceID,
		UserID:   by,
		Success:  true,
		Details:  map[string]any{"permission": perm},
	})
}

// HasPermission reports whether a device currently holds a capability.
// Expired rules are revoked lazily on read, so no sweep is needed for
// correctness.
func (s *System) HasPermission(deviceID string, perm Permission) bool {
	key := ruleKey(deviceID, perm)

	s.mu.Lock()
	rule, ok := s.rules[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if rule.ExpiresAt != nil && time.Now().After(*rule.ExpiresAt) {
		delete(s.rules, key)
		ruleCopy := *rule
		s.mu.Unlock()
		s.bus.Publish(events.TypePermissionExpired, ruleCopy)
		return false
	}
	granted := rule.Granted
	s.mu.Unlock()
	return granted
}

// Revoke removes a single rule.
func (s *System) Revoke(deviceID string, perm Permission, by string) error {
	key := ruleKey(deviceID, perm)

	s.mu.Lock()
	rule, ok := s.rules[key]
	if !ok {
		s.mu.Unlock()
		return common.ErrNotFound
	}
	delete(s.rules, key)
	ruleCopy := *rule
	s.mu.Unlock()

	s.bus.Publish(events.TypePermissionRevoked, ruleCopy)
	s.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "permission",
		Action:   "revoke",
		DeviceID: deviceID,
		UserID:   by,
		Success:  true,
		Details:  map[string]any{"permission": perm},
	})
	return nil
}

// RevokeAll removes every rule a device holds, one rule at a time.
func (s *System) RevokeAll(deviceID string, by string) int {
	s.mu.Lock()
	var perms []Permission
	for _, rule := range s.rules {
		if rule.DeviceID == deviceID {
			perms = append(perms, rule.Permission)
		}
	}
	s.mu.Unlock()

	for _, perm := range perms {
		_ = s.Revoke(deviceID, perm, by)
	}
	return len(perms)
}

// CleanupExpired batch-revokes expired rules and expires stale pending
// requests. Returns the number of rules removed.
func (s *System) CleanupExpired() int {
	now := time.Now()

	s.mu.Lock()
	var expired []Rule
	for key, rule := range s.rules {
		if rule.ExpiresAt != nil && now.After(*rule.ExpiresAt) {
			delete(s.rules, key)
			expired = append(expired, *rule)
		}
	}
	s.mu.Unlock()

	for _, rule := range expired {
		s.bus.Publish(events.TypePermissionExpired, rule)
	}
	return len(expired)
}

// Rules returns a device's current rules.
func (s *System) Rules(deviceID string) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Rule
	for _, rule := range s.rules {
		if rule.DeviceID == deviceID {
			out = append(out, *rule)
		}
	}
	return out
}

// GetRequest returns a request by id.
func (s *System) GetRequest(id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// PendingRequests lists requests still awaiting a decision.
func (s *System) PendingRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, req := range s.requests {
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	return out
}
