package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reg       prometheus.Registerer = prometheus.DefaultRegisterer
	gatherer  prometheus.Gatherer   = prometheus.DefaultGatherer
	setupOnce sync.Once
)

// Registerer 当前使用的注册器
func Registerer() prometheus.Registerer { return reg }

// UseRegistry 切换到独立注册表，需在首次取指标之前调用
func UseRegistry(r *prometheus.Registry) {
	if r != nil {
		reg = r
		gatherer = r
	}
}

// Setup 切换到带运行时指标的独立注册表，需在任何组件取指标之前调用
func Setup(service string) {
	setupOnce.Do(func() {
		r := prometheus.NewRegistry()
		r.MustRegister(collectors.NewGoCollector())
		r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		bi := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "service_build_info",
			Help:        "build info",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"version"})
		r.MustRegister(bi)
		bi.WithLabelValues("dev").Set(1)
		UseRegistry(r)
		_ = Sync()
		_ = Recovery()
	})
}

// Handler 暴露 /metrics 的 HTTP 处理器
func Handler(service string) http.Handler {
	Setup(service)
	return promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
