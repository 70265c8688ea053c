package admin

import "net/http"

// handleMonitorPage serves the static monitoring dashboard. All data comes
// from /llmhealth-snapshot and /access-log-stats via the embedded script.
func (s *Server) handleMonitorPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(monitorHTML)) //nolint:errcheck
}

const monitorHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>LLM Health Monitor</title>
    <style>
      body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif; margin: 20px; }
      .status { display: inline-block; padding: 2px 8px; border-radius: 12px; color: #fff; font-weight: 600; }
      .idle { background: #16a34a; }
      .busy { background: #dc2626; }
      .invalid { background: #6b7280; }
      table { border-collapse: collapse; width: 100%; margin-top: 12px; }
      th, td { border: 1px solid #e5e7eb; padding: 8px; text-align: left; }
      th { background: #f3f4f6; }
      .muted { color: #6b7280; font-size: 12px; }
      .header { display: flex; align-items: baseline; gap: 12px; }
      .pill { padding: 2px 8px; border-radius: 9999px; background: #eef2ff; color: #3730a3; font-size: 12px; }
      .chart-container { margin: 20px 0; padding: 20px; border: 1px solid #e5e7eb; border-radius: 8px; background: #f9fafb; }
      .chart-title { font-size: 16px; font-weight: 600; margin-bottom: 15px; color: #374151; }
      .chart { height: 250px; position: relative; background: white; border-radius: 4px; overflow-x: auto; }
      .bar-chart { display: flex; align-items: end; height: 180px; gap: 4px; padding: 30px 10px 20px 10px; min-width: max-content; }
      .bar { background: linear-gradient(to top, #3b82f6, #60a5fa); border-radius: 2px 2px 0 0; min-height: 4px; position: relative; min-width: 40px; max-width: 80px; }
      .bar-label { position: absolute; bottom: -35px; left: 50%; transform: translateX(-50%); font-size: 9px; color: #6b7280; white-space: nowrap; }
      .bar-value { position: absolute; top: -30px; left: 50%; transform: translateX(-50%); font-size: 10px; font-weight: 600; color: #374151; }
      .stats-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 15px; margin: 15px 0; }
      .stat-card { padding: 15px; background: white; border: 1px solid #e5e7eb; border-radius: 8px; }
      .stat-value { font-size: 24px; font-weight: 700; color: #1f2937; }
      .stat-label { font-size: 12px; color: #6b7280; margin-top: 4px; }
    </style>
  </head>
  <body>
    <div class="header">
      <h2>LLM Health Monitor</h2>
      <span id="now" class="muted"></span>
      <span id="sticky" class="pill"></span>
    </div>
    <div>
      <h3>Local GPU</h3>
      <div>Status: <span id="local-status" class="status"></span> | Max GPU (5s): <b id="local-util"></b>%</div>
    </div>
    <div>
      <h3>Backends</h3>
      <table>
        <thead>
          <tr><th>#</th><th>Base</th><th>Status</th><th>Last Util(5s max)</th><th>Total Requests</th><th>Model Requests</th><th>Request Max</th><th>Updated</th></tr>
        </thead>
        <tbody id="tbody"></tbody>
      </table>
    </div>
    <div>
      <h3>Sticky Details</h3>
      <table>
        <thead>
          <tr><th>#</th><th>IP/Ident</th><th>Model</th><th>Backend</th><th>Updated</th></tr>
        </thead>
        <tbody id="sticky-tbody"></tbody>
      </table>
    </div>
    <div>
      <h3>Access Log (Last 1 Hour)</h3>
      <div class="stats-grid">
        <div class="stat-card"><div class="stat-value" id="total-requests">0</div><div class="stat-label">Total Requests</div></div>
        <div class="stat-card"><div class="stat-value" id="unique-ips">0</div><div class="stat-label">Unique IPs</div></div>
        <div class="stat-card"><div class="stat-value" id="unique-models">0</div><div class="stat-label">Unique Models</div></div>
        <div class="stat-card"><div class="stat-value" id="unique-usernames">0</div><div class="stat-label">Unique Users</div></div>
      </div>
      <div class="chart-container">
        <div class="chart-title">Requests Over Time (1-min intervals)</div>
        <div class="chart"><div class="bar-chart" id="time-chart"></div></div>
      </div>
      <div class="chart-container">
        <div class="chart-title">Requests by Model</div>
        <div class="chart"><div class="bar-chart" id="model-chart"></div></div>
      </div>
      <div class="chart-container">
        <div class="chart-title">Requests by IP</div>
        <div class="chart"><div class="bar-chart" id="ip-chart"></div></div>
      </div>
    </div>
    <script>
      async function refresh(){
        try{
          const r = await fetch('/llmhealth-snapshot', { cache: 'no-store' });
          const j = await r.json();
          document.getElementById('now').textContent = j.now;
          document.getElementById('sticky').textContent = 'sticky: ' + j.sticky_count;
          const ls = document.getElementById('local-status');
          ls.textContent = j.local.status;
          ls.className = 'status ' + j.local.status;
          document.getElementById('local-util').textContent = (j.local.gpu_util_max5s ?? 0).toFixed(0);
          const tbody = document.getElementById('tbody');
          tbody.innerHTML = '';
          (j.backends||[]).forEach((b, i)=>{
            const tr = document.createElement('tr');
            const last = b.last || {};
            const util = (last.gpu_util_max5s==null)?'-':Number(last.gpu_util_max5s).toFixed(0)+'%';
            const upd = last.updated_at || '-';
            const modelRequests = Object.entries(b.model_inflight || {})
              .filter(([m, n]) => n > 0)
              .map(([m, n]) => m + ': ' + n)
              .join('<br>') || '-';
            tr.innerHTML = '<td>'+(i+1)+'</td><td>'+b.base+'</td><td><span class="status '+b.status+'">'+b.status+
              '</span></td><td>'+util+'</td><td><b>'+(b.total_inflight||0)+'</b></td><td class="muted">'+modelRequests+
              '</td><td class="muted">'+(b.request_max ?? '-')+'</td><td class="muted">'+upd+'</td>';
            tbody.appendChild(tr);
          });
          const st = document.getElementById('sticky-tbody');
          st.innerHTML = '';
          (j.sticky||[]).forEach((s, i)=>{
            const tr = document.createElement('tr');
            tr.innerHTML = '<td>'+(i+1)+'</td><td>'+(s.ip||'-')+'</td><td>'+(s.model||'-')+'</td><td>'+(s.backend||'-')+
              '</td><td class="muted">'+(s.updated_at||'-')+'</td>';
            st.appendChild(tr);
          });
        }catch(e){ console.error(e); }
      }
      async function refreshAccessLogs(){
        try{
          const r = await fetch('/access-log-stats', { cache: 'no-store' });
          const stats = await r.json();
          document.getElementById('total-requests').textContent = stats.total_requests || 0;
          document.getElementById('unique-ips').textContent = stats.unique_ips || 0;
          document.getElementById('unique-models').textContent = stats.unique_models || 0;
          document.getElementById('unique-usernames').textContent = stats.unique_usernames || 0;
          drawBarChart('model-chart', stats.model_counts || {});
          drawBarChart('ip-chart', stats.ip_counts || {});
          drawBarChart('time-chart', stats.time_series || {});
        }catch(e){ console.error(e); }
      }
      function drawBarChart(containerId, data){
        const container = document.getElementById(containerId);
        container.innerHTML = '';
        let entries = Object.entries(data);
        if (containerId === 'time-chart') {
          entries = entries.sort((a, b) => new Date(a[0]) - new Date(b[0]));
        } else {
          entries = entries.sort((a, b) => b[1] - a[1]);
        }
        const maxValue = Math.max(...entries.map(([k, v]) => v), 1);
        entries.forEach(([key, value])=>{
          const bar = document.createElement('div');
          bar.className = 'bar';
          bar.style.height = (value / maxValue * 100) + '%';
          const label = document.createElement('div');
          label.className = 'bar-label';
          if (containerId === 'time-chart') {
            const d = new Date(key);
            label.textContent = String(d.getHours()).padStart(2,'0') + ':' + String(d.getMinutes()).padStart(2,'0');
          } else {
            label.textContent = key;
          }
          bar.appendChild(label);
          const valueLabel = document.createElement('div');
          valueLabel.className = 'bar-value';
          valueLabel.textContent = value;
          bar.appendChild(valueLabel);
          container.appendChild(bar);
        });
      }
      refresh();
      refreshAccessLogs();
      setInterval(refresh, 5000);
      setInterval(refreshAccessLogs, 10000);
    </script>
  </body>
</html>
`
