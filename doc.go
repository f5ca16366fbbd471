// Package citytemp is a read-optimized cache of current temperature per
// city, built on an upstream source with two asymmetric access modes: an
// expensive full-snapshot call and a cheap incremental change stream.
//
// The cache merges both channels into one concurrently-readable map.
// Every accepted fact takes the next value of a cache-local epoch counter
// shared across both channels; stream events always overwrite, while
// snapshot values lose to any streamed value accepted while the snapshot
// call was in flight. The stream only emits on an actual change, so its
// value is fresher than a snapshot whose read instant is unknown.
//
// A background supervisor owns the subscription session. On start it
// subscribes first and fetches second, so changes occurring during the
// slow snapshot land on the stream instead of being lost. When the stream
// terminates it resubscribes with bounded exponential backoff and then
// issues a repair snapshot, since the stream offers no replay. Snapshot
// failures retry on their own backoff and never tear down a live
// subscription.
//
// Get never performs network I/O and keeps serving the last known good
// value through outages. Source failures surface through Health, not
// through Get.
package citytemp
