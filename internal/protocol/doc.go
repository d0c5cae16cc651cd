// Package protocol defines the JSON messages exchanged over the provider and
// caller sockets.
//
// Every text frame is one JSON object. A client request carries an event name,
// a payload and an optional numeric id:
//
//	{"id":7,"event":"accept-job","data":{"jobId":"..."}}
//
// Requests with an id are answered with exactly one acknowledgement:
//
//	{"ack":7,"error":null,"data":null}
//
// Server initiated messages have no id:
//
//	{"event":"dispatch-job","data":{...}}
package protocol
