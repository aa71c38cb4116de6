package webapi_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.dopame.me/veonik/klaver/client"
	"code.dopame.me/veonik/klaver/fetch"
	"code.dopame.me/veonik/klaver/vm"
	"code.dopame.me/veonik/klaver/webapi"
)

type recorded struct {
	name string
	data map[string]interface{}
}

type recorder struct {
	events []recorded
	mu     sync.Mutex
}

func (r *recorder) Emit(name string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{name, data})
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

type harness struct {
	vm     *vm.VM
	client *client.Client
	events *recorder
	srv    *httptest.Server
}

func newHarness(t *testing.T, cfg client.Config) *harness {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Echo", r.Header.Get("X-Test"))
		_, _ = io.WriteString(w, "hello")
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"klaver","tags":["http","js"]}`)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = fmt.Fprintf(w, "%s %s %s", r.Method, r.Header.Get("Content-Type"), b)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	mux.HandleFunc("/chunks", func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		for _, c := range []string{"one;", "two;", "three"} {
			_, _ = io.WriteString(w, c)
			f.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	})
	mux.HandleFunc("/bom", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "\xef\xbb\xbf{\"ok\":true}")
	})
	mux.HandleFunc("/status/404", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := client.New(cfg)
	require.NoError(t, err)
	f, err := fetch.New(c, fetch.WithBaseURL(srv.URL+"/"))
	require.NoError(t, err)
	v, err := vm.New(vm.NewRegistry(t.TempDir()))
	require.NoError(t, err)
	rec := &recorder{}
	h := webapi.New(v, c, f, webapi.WithEmitter(rec))
	v.OnRuntimeInit(h.Enable)
	require.NoError(t, v.Start())
	t.Cleanup(func() {
		_ = v.Shutdown()
		_ = c.CloseIdle()
	})
	return &harness{vm: v, client: c, events: rec, srv: srv}
}

// run evaluates body inside an async function and returns its result as a
// string.
func (h *harness) run(t *testing.T, body string) string {
	t.Helper()
	src := fmt.Sprintf("(async function() {\nconst base = %q;\n%s\n})()", h.srv.URL, body)
	res, err := h.vm.RunString(src).Await()
	require.NoError(t, err)
	return res.String()
}

func TestFetch_text(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const res = await fetch(base + "/hello", {headers: {"X-Test": "abc"}});
return [res.status, res.ok, res.statusText, res.headers.get("content-type"), res.headers.get("x-echo"), res.url, await res.text(), res.bodyUsed].join("|");`)
	assert.Equal(t, "200|true|OK|text/plain|abc|"+h.srv.URL+"/hello|hello|true", out)
}

func TestFetch_relativeURL(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `return await (await fetch("hello")).text();`)
	assert.Equal(t, "hello", out)
}

func TestFetch_json(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const data = await (await fetch(base + "/json")).json();
return data.name + ":" + data.tags.join(",");`)
	assert.Equal(t, "klaver:http,js", out)
}

func TestFetch_notOK(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const res = await fetch(base + "/status/404");
return res.status + "|" + res.ok;`)
	assert.Equal(t, "404|false", out)
}

func TestFetch_bodies(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const results = [];
results.push(await (await fetch(base + "/echo", {method: "post", body: "plain"})).text());
results.push(await (await fetch(base + "/echo", {
  method: "PUT",
  headers: {"Content-Type": "application/octet-stream"},
  body: new Uint8Array([104, 105]),
})).text());
const parts = ["a", new Uint8Array([98]), "c"];
const iterable = {
  [Symbol.asyncIterator]() {
    let i = 0;
    return {
      next() {
        return Promise.resolve(i < parts.length ? {value: parts[i++], done: false} : {done: true});
      },
    };
  },
};
results.push(await (await fetch(base + "/echo", {method: "POST", body: iterable})).text());
results.push(await (await fetch(base + "/echo", {method: "POST", body: ["x", "y"]})).text());
return results.join("\n");`)
	assert.Equal(t, strings.Join([]string{
		"POST text/plain;charset=UTF-8 plain",
		"PUT application/octet-stream hi",
		"POST  abc",
		"POST  xy",
	}, "\n"), out)
}

func TestFetch_bodyIteratorThrows(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const iterable = {
  [Symbol.asyncIterator]() {
    return {next() { return Promise.reject(new RangeError("out of chunks")); }};
  },
};
try {
  await fetch(base + "/echo", {method: "POST", body: iterable});
  return "resolved";
} catch (e) {
  return e.name + ": " + e.message;
}`)
	assert.Equal(t, "RangeError: out of chunks", out)
}

func TestFetch_abort(t *testing.T) {
	h := newHarness(t, client.Config{})
	start := time.Now()
	out := h.run(t, `
const c = new AbortController();
let notified = 0;
c.signal.addEventListener("abort", () => notified++);
c.signal.onabort = () => notified++;
setTimeout(() => c.abort(), 10);
try {
  await fetch(base + "/slow", {signal: c.signal});
  return "resolved";
} catch (e) {
  return [e.name, e.kind, c.signal.aborted, c.signal.reason === e, notified].join("|");
}`)
	assert.Equal(t, "AbortError|Cancelled|true|true|2", out)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFetch_abortReason(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const c = new AbortController();
c.abort("changed my mind");
try {
  c.signal.throwIfAborted();
} catch (e) {
  if (e !== "changed my mind") return "throwIfAborted: " + e;
}
try {
  await fetch(base + "/hello", {signal: c.signal});
  return "resolved";
} catch (e) {
  return String(e);
}`)
	assert.Equal(t, "changed my mind", out)
}

func TestFetch_signalTimeout(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
try {
  await fetch(base + "/slow", {signal: AbortSignal.timeout(10)});
  return "resolved";
} catch (e) {
  return e.name + "|" + e.kind;
}`)
	assert.Equal(t, "TimeoutError|Timeout", out)
}

func TestFetch_anySignal(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const a = new AbortController();
const b = new AbortController();
const both = AbortSignal.any([a.signal, b.signal]);
b.abort("from b");
return both.aborted + "|" + both.reason + "|" + AbortSignal.abort().aborted;`)
	assert.Equal(t, "true|from b|true", out)
}

func TestFetch_clientTimeout(t *testing.T) {
	h := newHarness(t, client.Config{Timeout: 20 * time.Millisecond})
	out := h.run(t, `
try {
  await fetch(base + "/slow");
  return "resolved";
} catch (e) {
  return e.name + "|" + e.kind;
}`)
	assert.Equal(t, "TimeoutError|Timeout", out)
}

func TestFetch_errors(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const kinds = [];
for (const [url, init] of [
  ["http://[::1", undefined],
  [base + "/hello", {method: "BREW"}],
  [base + "/hello", {method: "GET", body: "nope"}],
  [base + "/hello", {headers: {"bad header": "x"}}],
  ["http://127.0.0.1:1/", undefined],
]) {
  try {
    await fetch(url, init);
    kinds.push("resolved");
  } catch (e) {
    kinds.push(e.name + ":" + e.kind);
  }
}
return kinds.join(",");`)
	assert.Equal(t, "TypeError:InvalidUrl,TypeError:InvalidMethod,TypeError:InvalidBody,TypeError:InvalidHeader,FetchError:ConnectionFailed", out)
}

func TestFetch_streaming(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const res = await fetch(base + "/chunks");
const reader = res.body.getReader();
let text = "";
const first = await reader.read();
text += String.fromCharCode.apply(null, first.value);
let locked = res.body.locked;
reader.releaseLock();
const it = res.body[Symbol.asyncIterator]();
for (let r = await it.next(); !r.done; r = await it.next()) {
  text += String.fromCharCode.apply(null, r.value);
}
return text + "|" + locked + "|" + res.bodyUsed;`)
	assert.Equal(t, "one;two;three|true|true", out)
}

func TestFetch_streamCancel(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const res = await fetch(base + "/chunks");
const reader = res.body.getReader();
await reader.read();
await reader.cancel("done early");
try {
  await res.text();
  return "resolved";
} catch (e) {
  return e.name;
}`)
	assert.Equal(t, "TypeError", out)
	assert.Eventually(t, func() bool {
		return h.client.Stats().Open == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFetch_drainOnce(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const iterate = async (res) => {
  try {
    const it = res.body[Symbol.asyncIterator]();
    let text = "";
    for (let r = await it.next(); !r.done; r = await it.next()) {
      text += String.fromCharCode.apply(null, r.value);
    }
    return "iterated:" + text;
  } catch (e) {
    return "threw:" + e.kind;
  }
};
const first = await fetch(base + "/hello");
const parts = [await first.text(), await iterate(first)];
const second = await fetch(base + "/hello");
parts.push(await iterate(second), await iterate(second));
try {
  second.body.getReader();
  parts.push("reader");
} catch (e) {
  parts.push(e.name + ":" + e.kind);
}
try {
  await second.text();
  parts.push("text");
} catch (e) {
  parts.push(e.name + ":" + e.kind);
}
return parts.join("|");`)
	assert.Equal(t, "hello|threw:AlreadyUsed|iterated:hello|threw:AlreadyUsed|TypeError:AlreadyUsed|TypeError:AlreadyUsed", out)
}

func TestFetch_byteOrderMark(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const text = await (await fetch(base + "/bom")).text();
const data = await (await fetch(base + "/bom")).json();
const raw = await (await fetch(base + "/bom")).bytes();
return [text.length, text.charCodeAt(0), data.ok, raw.length].join("|");`)
	assert.Equal(t, "11|123|true|14", out)
}

func TestHeaders(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const hs = new Headers([["Accept", "text/html"], ["X-Multi", "a"]]);
hs.append("x-multi", "b");
hs.set("X-Single", "1");
hs.set("x-single", "2");
const seen = [];
hs.forEach((value, name) => seen.push(name + "=" + value));
const keys = [];
for (const [name] of hs) keys.push(name);
hs.delete("accept");
let thrown = "";
try {
  hs.append("bad name", "x");
} catch (e) {
  thrown = e.name + ":" + e.kind;
}
const copy = new Headers(hs);
copy.set("x-single", "3");
return [hs.get("X-MULTI"), hs.get("x-single"), hs.has("accept"), String(hs.get("missing")), seen.join(","), keys.join(","), thrown, copy.get("x-single"), hs.get("x-single")].join("|");`)
	assert.Equal(t, "a, b|2|false|null|accept=text/html,x-multi=a,x-multi=b,x-single=2|accept,x-multi,x-multi,x-single|TypeError:InvalidHeader|3|2", out)
}

func TestRequest(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const req = new Request(base + "/echo", {method: "post", body: "from request", headers: {"Content-Type": "text/x-test"}});
const copy = req.clone();
const parts = [req.method, req.url === base + "/echo", req.headers.get("content-type"), req.signal.aborted];
parts.push(await (await fetch(req)).text());
parts.push(await copy.text());
let thrown = "";
try {
  await fetch(req);
} catch (e) {
  thrown = e.kind;
}
parts.push(thrown);
const derived = new Request(new Request(base + "/hello"), {headers: {"X-Test": "derived"}});
parts.push((await fetch(derived)).headers.get("x-echo"));
return parts.join("|");`)
	assert.Equal(t, "POST|true|text/x-test|false|POST text/x-test from request|from request|AlreadyUsed|derived", out)
}

func TestResponse(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const res = new Response("made locally", {status: 201, statusText: "Created", headers: {"X-Local": "yes"}});
const clone = res.clone();
const parts = [res.status, res.statusText, res.ok, res.headers.get("x-local"), res.headers.get("content-type"), res.type];
parts.push(await res.text());
parts.push(await clone.text());
const j = Response.json({hello: "world"}, {status: 202});
parts.push(j.status, j.headers.get("content-type"), (await j.json()).hello);
const bytes = await new Response(new Uint8Array([1, 2, 3])).arrayBuffer();
parts.push(bytes.byteLength);
try {
  new Response("body", {status: 204});
} catch (e) {
  parts.push(e.name);
}
return parts.join("|");`)
	assert.Equal(t, "201|Created|true|yes|text/plain;charset=UTF-8|default|made locally|made locally|202|application/json|world|3|TypeError", out)
}

func TestModule(t *testing.T) {
	h := newHarness(t, client.Config{})
	out := h.run(t, `
const {Client, createCancel, Cancel} = require("@klaver/http");
const c = new Client({baseUrl: base + "/"});
const parts = [c.baseUrl === base + "/"];
parts.push(await (await c.get("hello")).text());
const req = new Request(base + "/echo", {method: "POST", body: "sent"});
parts.push(await (await c.send(req)).text());
const tok = createCancel();
setTimeout(() => tok.cancel(), 10);
try {
  await c.fetch("slow", {cancel: tok});
  parts.push("resolved");
} catch (e) {
  parts.push(e.name + ":" + tok.cancelled);
}
parts.push(new Cancel().cancelled);
const st = c.stats();
parts.push(typeof st.open, typeof st.idle);
return parts.join("|");`)
	assert.Equal(t, "true|hello|POST text/plain;charset=UTF-8 sent|AbortError:true|false|number|number", out)
}

func TestEvents(t *testing.T) {
	h := newHarness(t, client.Config{})
	h.run(t, `
await (await fetch(base + "/hello")).text();
try { await fetch("http://127.0.0.1:1/"); } catch (e) {}`)
	evs := h.events.all()
	require.Len(t, evs, 2)
	assert.Equal(t, "fetch.response", evs[0].name)
	assert.Equal(t, 200, evs[0].data["status"])
	assert.Equal(t, "GET", evs[0].data["method"])
	assert.Equal(t, "fetch.error", evs[1].name)
	assert.Equal(t, "ConnectionFailed", evs[1].data["kind"])
}
