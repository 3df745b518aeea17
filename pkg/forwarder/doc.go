// Package forwarder bridges terminal nodes to the downstream
// reporting sink. Delivery is at least once, driven by terminal node
// events plus a periodic batch query for nodes whose event was lost.
// Nodes awaiting a retry sibling are filtered so only the final
// attempt's verdict is reported.
package forwarder
