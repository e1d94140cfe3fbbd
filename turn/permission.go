package turn

import "time"

// createPermission installs or refreshes a permission for peerIP, RFC
// 5766 §9. Only the peer's IP is keyed; the port plays no role in
// permission enforcement.
func (a *Allocation) createPermission(peerIP string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permissions[peerIP] = now.Add(DefaultPermissionLifetime)
}

// hasPermission reports whether data to/from peerIP is currently
// allowed.
func (a *Allocation) hasPermission(peerIP string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.permissions[peerIP]
	return ok && now.Before(exp)
}
