// Package realtime models the realtime speech event protocol spoken between
// the parley client, the relay, and the upstream speech model.
//
// Every message is one self-describing JSON object carrying a "type" tag.
// [Parse] maps that tag onto the closed [Kind] catalogue; tags outside the
// catalogue become [KindUnknown] rather than falling through silently. The
// original bytes are always retained in [Event.Raw] so relays can forward a
// message verbatim after inspecting it.
//
// Audio payloads are base64 of raw little-endian PCM16, mono, 24 kHz, with no
// header. Chunk boundaries are message boundaries.
package realtime
