// Package capability builds the restricted execution environment for sandboxed
// configuration code.
//
// Untrusted code runs as the body of a function whose parameter list is the
// union of Allowed and Blocked names. Allowed names are bound to side-effect-free
// utilities, Blocked names are bound to undefined, so lexical lookup of a
// blocked name stops at the parameter and never reaches an enclosing scope.
package capability

import (
	"sort"

	"github.com/dop251/goja"
)

// Entry is an allowed binding. Host entries are supplied per execution by the
// caller, the rest are runtime intrinsics looked up on the global object.
type Entry struct {
	Name string
	Host bool
}

// Allowed lists the names bound to real values, in parameter order.
var Allowed = []Entry{
	{Name: "getData", Host: true},
	{Name: "Math"},
	{Name: "Date"},
	{Name: "Array"},
	{Name: "Object"},
	{Name: "JSON"},
	{Name: "String"},
	{Name: "Number"},
	{Name: "Boolean"},
	{Name: "console", Host: true},
}

// Blocked lists the names shadowed with undefined: page objects, network,
// storage, timers, workers, messaging, navigation, crypto, animation frames,
// encoding utilities, media constructors and the module system of server
// runtimes.
var Blocked = []string{
	// page and global object aliases
	"window", "self", "globalThis", "global", "document", "parent", "top", "frames", "opener",
	// network
	"fetch", "XMLHttpRequest", "WebSocket", "EventSource", "WebTransport", "RTCPeerConnection",
	"Headers", "Request", "Response", "FormData", "AbortController", "AbortSignal",
	// storage
	"localStorage", "sessionStorage", "indexedDB", "caches",
	// timers and scheduling
	"setTimeout", "setInterval", "clearTimeout", "clearInterval", "setImmediate", "clearImmediate",
	"requestAnimationFrame", "cancelAnimationFrame", "requestIdleCallback", "cancelIdleCallback",
	"queueMicrotask", "performance",
	// code construction
	"Function", "importScripts", "WebAssembly",
	// workers and messaging
	"Worker", "SharedWorker", "ServiceWorker", "postMessage", "BroadcastChannel", "MessageChannel",
	"MessagePort", "SharedArrayBuffer", "Atomics", "structuredClone",
	// navigation and dialogs
	"navigator", "location", "history", "alert", "confirm", "prompt", "open", "close", "Notification",
	// crypto
	"crypto",
	// files, urls and encoding
	"Blob", "File", "FileReader", "URL", "URLSearchParams", "TextEncoder", "TextDecoder", "atob", "btoa",
	// media and canvas
	"Image", "Audio", "Video", "MediaSource", "SourceBuffer", "WebGL2RenderingContext",
	"WebGLRenderingContext", "OffscreenCanvas", "createImageBitmap",
	// server runtime module system
	"require", "process", "module", "exports", "Buffer",
}

// Scrubbed lists globals removed from the runtime's global object that cannot
// be shadowed by a strict-mode parameter.
var Scrubbed = []string{"eval"}

// Inert lists language intrinsics that stay reachable on the global object.
// None of them can perform I/O or schedule work on their own.
var Inert = []string{
	"undefined", "NaN", "Infinity",
	"isNaN", "isFinite", "parseInt", "parseFloat",
	"encodeURI", "encodeURIComponent", "decodeURI", "decodeURIComponent", "escape", "unescape",
	"Symbol", "BigInt", "RegExp", "Map", "Set", "WeakMap", "WeakSet", "WeakRef", "FinalizationRegistry",
	"Promise", "Proxy", "Reflect", "Iterator",
	"Error", "AggregateError", "TypeError", "ReferenceError", "SyntaxError", "RangeError", "EvalError",
	"URIError", "GoError",
	"ArrayBuffer", "DataView", "Int8Array", "Uint8Array", "Uint8ClampedArray", "Int16Array",
	"Uint16Array", "Int32Array", "Uint32Array", "Float16Array", "Float32Array", "Float64Array",
	"BigInt64Array", "BigUint64Array",
}

// Names returns the full parameter list: allowed names followed by blocked names.
func Names() []string {
	names := make([]string, 0, len(Allowed)+len(Blocked))
	for _, entry := range Allowed {
		names = append(names, entry.Name)
	}
	return append(names, Blocked...)
}

// AllowedNames returns only the allowed names, in parameter order.
func AllowedNames() []string {
	names := make([]string, 0, len(Allowed))
	for _, entry := range Allowed {
		names = append(names, entry.Name)
	}
	return names
}

// Bind returns the values matching Names(). Host entries are taken from host,
// intrinsic entries from vm's global object; anything unresolved binds to
// undefined. len(values) == len(Names()) always holds.
func Bind(vm *goja.Runtime, host map[string]goja.Value) []goja.Value {
	values := make([]goja.Value, 0, len(Allowed)+len(Blocked))
	for _, entry := range Allowed {
		var v goja.Value
		if entry.Host {
			v = host[entry.Name]
		} else {
			v = vm.Get(entry.Name)
		}
		if v == nil {
			v = goja.Undefined()
		}
		values = append(values, v)
	}
	for range Blocked {
		values = append(values, goja.Undefined())
	}
	return values
}

// Harden removes every blocked and scrubbed name from vm's global object, so
// code reaching the global scope indirectly (for example through a function's
// constructor) still finds nothing to escape with.
func Harden(vm *goja.Runtime) {
	global := vm.GlobalObject()
	for _, name := range append(append([]string{}, Blocked...), Scrubbed...) {
		if global.Get(name) == nil {
			continue
		}
		if err := global.Delete(name); err != nil {
			_ = global.Set(name, goja.Undefined())
		}
	}
}

// Unclassified returns the own property names of vm's global object that
// appear in none of Allowed, Blocked, Scrubbed or Inert, sorted. A non-empty
// result means the runtime grew a global nobody has reviewed.
func Unclassified(vm *goja.Runtime) []string {
	known := make(map[string]struct{}, len(Allowed)+len(Blocked)+len(Scrubbed)+len(Inert))
	for _, name := range AllowedNames() {
		known[name] = struct{}{}
	}
	for _, list := range [][]string{Blocked, Scrubbed, Inert} {
		for _, name := range list {
			known[name] = struct{}{}
		}
	}

	var unknown []string
	for _, name := range globalNames(vm) {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func globalNames(vm *goja.Runtime) []string {
	v, err := vm.RunString(`Object.getOwnPropertyNames(this)`)
	if err != nil {
		return nil
	}
	var names []string
	if err := vm.ExportTo(v, &names); err != nil {
		return nil
	}
	return names
}
