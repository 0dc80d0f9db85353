package core

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/3cpo-dev/subsetjobs/internal/partition"
	"github.com/3cpo-dev/subsetjobs/internal/telemetry"
)

func BenchmarkAggregateCommand(b *testing.B) {
	subsets, _ := partition.Subsets(64)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = AggregateCommand(subsets, "alignments.sam")
	}
}

func BenchmarkNewJobConfig(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := NewJobConfig(64, "bowtie2 -x idx -U reads.fq", ModeLocal, "", []string{"hits.sam"})
		if err != nil {
			b.Fatalf("NewJobConfig failed: %v", err)
		}
	}
}

func BenchmarkDispatchMock(b *testing.B) {
	dir := b.TempDir()
	cfg, err := NewJobConfig(64, "true", ModeLocal, dir, nil)
	if err != nil {
		b.Fatalf("NewJobConfig failed: %v", err)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		jobs, err := NewDispatcher(&MockLauncher{}, &bytes.Buffer{}).Dispatch(context.Background(), cfg)
		if err != nil {
			b.Fatalf("Dispatch failed: %v", err)
		}
		_ = WaitAll(jobs)
	}
}

func BenchmarkConcurrentMetrics(b *testing.B) {
	metrics := telemetry.NewCollector(true)

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			metrics.Timer("subsetjobs_job_duration", time.Millisecond, nil)
		}
	})
}
