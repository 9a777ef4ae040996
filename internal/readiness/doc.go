// Package readiness tracks the online/ready handshake of a process group
// and buffers inbound traffic until the group is ready.
//
// Participant lifecycle, as seen by the coordinator:
//
//	Spawned -> Online -> Ready
//
// A participant becomes Online when its first ONLINE message arrives. Once
// every known participant is Online the coordinator sends GROUP_READY to
// each of them; a participant becomes Ready when it acknowledges. When all
// participants are Ready the group-ready callbacks fire, once each, in
// registration order.
//
// Removing a participant recomputes both group states over the remaining
// members, so a disconnect can unblock readiness but never revokes it.
package readiness
