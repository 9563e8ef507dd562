// Package scheduler lists, proposes, books, and cancels appointment slots.
//
// Booking is delegated to an engine.Calendar whose Book must be an atomic
// check-and-set on slot availability. MemoryCalendar does this under a
// mutex; the SQLite store uses a conditional UPDATE. The quiet-hours helpers
// decide whether a timestamp falls in a do-not-contact window.
package scheduler
