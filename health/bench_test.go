package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nexora/kit/resilience"
)

func BenchmarkBreakerChecker_Check(b *testing.B) {
	for _, n := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("breakers=%d", n), func(b *testing.B) {
			reg := resilience.NewRegistry()
			for i := range n {
				_, _ = reg.Register(fmt.Sprintf("op-%d", i), resilience.CircuitBreakerConfig{})
			}
			checker := NewBreakerChecker(reg)
			ctx := context.Background()

			for b.Loop() {
				_ = checker.Check(ctx)
			}
		})
	}
}

func BenchmarkAggregator_CheckAll(b *testing.B) {
	agg := NewAggregator()
	for i := range 5 {
		name := fmt.Sprintf("check-%d", i)
		agg.Register(name, staticChecker(name, Healthy("ok")))
	}
	ctx := context.Background()

	for b.Loop() {
		_ = agg.CheckAll(ctx)
	}
}

func BenchmarkReadinessHandler_ServeHTTP(b *testing.B) {
	agg := NewAggregator()
	agg.Register("ok", staticChecker("ok", Healthy("ok")))
	handler := ReadinessHandler(agg)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	for b.Loop() {
		handler(httptest.NewRecorder(), req)
	}
}
