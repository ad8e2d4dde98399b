package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>parcelbot drain monitor</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }
    .shell { max-width: 1040px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .card, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
    }
    .controls { display: grid; gap: 10px; grid-template-columns: 1fr auto auto; margin-top: 12px; }
    .controls input { border-radius: 10px; border: 1px solid var(--line); padding: 10px 12px; }
    button { border: 0; border-radius: 10px; padding: 10px 12px; font-weight: 700; cursor: pointer; }
    .btn-primary { background: var(--accent); color: #ffffff; }
    .cards { display: grid; gap: 10px; grid-template-columns: repeat(4, minmax(120px, 1fr)); }
    .label { text-transform: uppercase; letter-spacing: 0.09em; font-size: 0.66rem; color: var(--muted); }
    .value { margin-top: 6px; font-size: 1.02rem; font-weight: 700; }
    .feed { margin: 0; padding: 0; list-style: none; display: grid; gap: 8px; max-height: 420px; overflow: auto; }
    .feed li { border-left: 5px solid var(--accent); border-radius: 10px; padding: 9px 10px; background: #fffcf7; font-size: 0.85rem; }
    .feed li.bad { border-left-color: var(--danger); }
    .status { color: var(--muted); font-size: 0.85rem; }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Drain monitor</h1>
      <div class="status" id="status">enter token to start</div>
      <div class="controls">
        <input id="token" type="password" placeholder="admin bearer token" />
        <button class="btn-primary" id="connect">Connect</button>
        <button id="drain">Drain now</button>
      </div>
    </section>
    <section class="cards">
      <div class="card"><div class="label">State</div><div class="value" id="state">-</div></div>
      <div class="card"><div class="label">Pending</div><div class="value" id="pending">-</div></div>
      <div class="card"><div class="label">Newest event</div><div class="value" id="newest">-</div></div>
      <div class="card"><div class="label">Last pass</div><div class="value" id="last">-</div></div>
    </section>
    <section class="panel">
      <h2 class="label">Passes</h2>
      <ul class="feed" id="feed"></ul>
    </section>
  </main>
  <script>
    (() => {
      const $ = (id) => document.getElementById(id);
      let socket = null;
      let timer = null;

      const setStatus = (text) => { $("status").textContent = text; };
      const headers = () => ({ "Authorization": "Bearer " + $("token").value.trim() });

      async function refresh() {
        const res = await fetch("/v1/admin/inbox", { headers: headers() });
        if (!res.ok) { setStatus("inbox: HTTP " + res.status); return; }
        const body = await res.json();
        $("state").textContent = body.state || "-";
        $("pending").textContent = body.pending;
        $("newest").textContent = body.newest ? body.newest.event_type + " " + body.newest.entity_id : "-";
        $("last").textContent = body.lastPass ? body.lastPass.events + " events" : "-";
      }

      function addPass(report) {
        const li = document.createElement("li");
        const failed = (report.failed || []).length + (report.lost || []).length;
        if (failed > 0 || (report.event_errors || []).length > 0) li.className = "bad";
        li.textContent = report.finished_at + "  events=" + report.events + " ops=" + report.operations +
          " notified=" + report.notified + " failed=" + failed;
        $("feed").prepend(li);
      }

      function connect() {
        window.localStorage.setItem("parcelbot_dashboard_token", $("token").value.trim());
        if (socket) socket.close();
        const scheme = location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + location.host + "/v1/admin/stream?access_token=" + encodeURIComponent($("token").value.trim()));
        socket.onopen = () => setStatus("connected");
        socket.onclose = () => setStatus("disconnected");
        socket.onmessage = (msg) => { addPass(JSON.parse(msg.data)); refresh(); };
        refresh();
        if (!timer) timer = setInterval(refresh, 5000);
      }

      $("connect").addEventListener("click", connect);
      $("drain").addEventListener("click", async () => {
        const res = await fetch("/v1/admin/drain", { method: "POST", headers: headers() });
        setStatus(res.ok ? "drain finished" : "drain: HTTP " + res.status);
        refresh();
      });

      const saved = window.localStorage.getItem("parcelbot_dashboard_token") || "";
      $("token").value = saved;
      if (saved) connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
