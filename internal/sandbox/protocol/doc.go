/*
Package protocol defines the message contract exchanged between the orchestrator
and the two isolation units of the chart pipeline.

# Messages

Every boundary crossing is a Message tagged with a MessageType:

	CONFIG_READY / RENDER_READY     unit -> orchestrator, once per unit
	EXECUTE_CONFIG                  orchestrator -> config unit {data, config}
	CONFIG_SUCCESS / CONFIG_ERROR   config unit -> orchestrator
	EXECUTE_RENDER                  orchestrator -> render unit {value, theme}
	RENDER_SUCCESS / RENDER_ERROR   render unit -> orchestrator

Payloads are plain strings and JSON byte slices. Clone copies every byte slice so
that a message handed across a boundary shares no memory with its sender.

# Failures

A FailureDetail carries the message, an optional stack, and the line/column of
the first ":<line>:<column>" location found in the stack. Missing locations are
left nil rather than zero.
*/
package protocol
