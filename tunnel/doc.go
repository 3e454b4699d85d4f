/*
Package tunnel provides a client for a multiplexed pub/sub channel ("topic") and the single-threaded reactor that drives it.

A topic is opened over a Unix socket, or over a WebSocket when the address is a ws:// or wss:// URL. Every message on the wire is a binary frame:

	magic_begin u32  0x414E5444 ("ANTD")
	kind        u8
	channel_id  u16
	client_id   u16
	size        u32
	data        [size]byte
	magic_end   u32  0x44544E41 ("DTNA")

All integers are big-endian.

The protocol proceeds as follows:

1. The service connects and sends an Open message whose data is the channel name.
2. The server replies with OK, carrying the channel id used on every later frame, or with Error.
3. Peers subscribe (Subscribe), send bytes (Data) and leave (Unsubscribe). The server may drop every peer at once with UnsubscribeAll.
4. The service sends Data and Unsubscribe messages back, tagged with the peer's client id.
5. On shutdown the service sends Close.

The reactor (Topic) delivers at most one inbound message and at most one IO-readiness notification per Step to a Handler.
The Handler never sees the Topic itself, only its IO surface, so it cannot re-enter Step.
*/
package tunnel
