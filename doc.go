// Package wren assembles the layers of a wren network node.
//
// A node is one UDP socket shared by a datagram transport ([wdgram]),
// a reliable query layer using forward error correction ([wrq]),
// an optional DHT for membership discovery ([wdht]),
// and an overlay manager ([woverlay]) that scopes peers and queries
// to a named sub-network.
//
// [NewNetwork] builds all of them from one [NetworkConfig];
// the layers remain usable directly for finer control.
package wren
