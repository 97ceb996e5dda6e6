// Package keyboard implements the blob keys of the on-screen keyboard and
// their press sessions.
//
// # Keys
//
// A blob key is one touch target carrying three candidate characters. The
// touch's horizontal position inside the key picks the candidate:
//
//	┌──────────────────────────┐
//	│            a             │   left   rel <  w/3     -> 'b'
//	│                          │   center otherwise      -> 'a'
//	│ b                      c │   right  rel > (2w)/3   -> 'c'
//	└──────────────────────────┘
//
// Keys live in an arena owned by a Machine and are addressed by KeyID, a
// slot index plus generation. Removing a key bumps nothing until the slot is
// reused, at which point old IDs stop resolving.
//
// # Interaction states
//
//	         press/move (classify)
//	Idle ───────────────────────────► Pressing(zone)
//	 ▲                                 │        │
//	 │ reset timer                     │release │press-lost
//	 │                                 ▼        ▼
//	 └─────────────────────────────── Resetting
//	               (debounce, 100 ms default)
//
// Release commits the recorded zone's character exactly once. Press-lost
// discards it. Both start a one-shot debounce on the shared timer wheel;
// when it fires the key returns to Idle with default visuals. A release or
// press-lost without a session resets visuals immediately.
//
// # Reset policy
//
// Pressing a key again before its debounce fires is decided by the
// ResetPolicy. ResetCancel, the default, cancels the pending reset so it
// cannot wipe the new highlight. ResetLastWins leaves it scheduled: it then
// restores visuals when it fires but never ends the live session.
//
// # Teardown
//
// Remove cancels every reset still scheduled for a key before freeing its
// slot. A reset firing for a freed key is a broken invariant and panics.
package keyboard
