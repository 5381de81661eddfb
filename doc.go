/*
Package cbcast implements causally-ordered reliable multicast over UDP for a
fixed group of processes.

A Node is one member of the group. Every member knows the full address table
at startup; a payload handed to a node's Send method is multicast to every
member, including the sender. Underneath, each point-to-point send is made
reliable with per-originator message ids, acknowledgements, and
timer-driven retransmission, so the group tolerates a transport that
delays, reorders, or drops datagrams.

Each message is stamped with the sender's vector timestamp. A receiving node
holds a message back until every message that causally precedes it
(Lamport's happens-before) has been delivered, then hands it to the node's
delivery callback. Messages with no causal relation may be delivered in any
order.

Outbound packets pass through a fault-injecting delay queue that reorders
and probabilistically drops them, so the recovery machinery is exercised
even on a loopback interface.

A chat demo lives in cmd/chat. It takes the name of a TOML file listing the
group's host:port table, indexed by process id. A sample is in
cmd/chat/toml.
*/
package cbcast
