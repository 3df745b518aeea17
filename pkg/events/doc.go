/*
Package events is the client for the node event topic.

Every node create or update in the state store produces one event on
the "node" topic; services subscribe, filter on the payload fields and
act. Delivery is at-least-once and ordered per topic per subscriber,
but never across subscribers, so every consumer reconciles against the
store before taking a side effect.

Two Bus implementations exist: KafkaBus for production and Broker, an
in-process fan-out used by tests and single-binary development runs.
*/
package events
