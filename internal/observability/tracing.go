package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/John-Robertt/pestcap"

// 常用的 span 属性键。
const (
	AttrRunID     = attribute.Key("pestcap.run_id")
	AttrStage     = attribute.Key("pestcap.stage")
	AttrPartition = attribute.Key("pestcap.partition")
	AttrKey       = attribute.Key("pestcap.item.key")
	AttrOutcome   = attribute.Key("pestcap.item.outcome")
	AttrFailStage = attribute.Key("pestcap.item.failed_stage")
)

// TracingOptions 选择 span 的导出方式。
type TracingOptions struct {
	Service string
	// Exporter: "none"（默认）| "stdout" | "otlphttp"
	Exporter string
	// Endpoint 只对 otlphttp 生效；为空时交给 OTEL_EXPORTER_OTLP_* 环境变量或 SDK 默认值。
	Endpoint string
	// Writer 只对 stdout 生效；为 nil 时写 os.Stderr（stdout 留给 RunReport JSON）。
	Writer io.Writer
}

// InitTracing 安装全局 TracerProvider，返回的 shutdown 负责 flush 剩余 span。
// Exporter=none 时安装 noop provider，span 的开销接近零。
func InitTracing(ctx context.Context, opts TracingOptions) (func(context.Context) error, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Exporter))
	if name == "" || name == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := buildExporter(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.Service),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func buildExporter(ctx context.Context, name string, opts TracingOptions) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		w := opts.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case "otlphttp":
		var hopts []otlptracehttp.Option
		if ep := strings.TrimSpace(opts.Endpoint); ep != "" {
			hopts = append(hopts, otlptracehttp.WithEndpointURL(ep))
		}
		return otlptracehttp.New(ctx, hopts...)
	default:
		return nil, fmt.Errorf("未知 tracing exporter：%q", name)
	}
}

// StartSpan 用全局 provider 开启一个 span。
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan 记录错误（若有）并结束 span。
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
