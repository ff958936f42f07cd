package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsPreserveCadence(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}

	checks := map[string][2]time.Duration{
		"collector":    {cfg.Collector.Interval, 30 * time.Second},
		"detector":     {cfg.Detector.Interval, 120 * time.Second},
		"profiler":     {cfg.Profiler.Interval, 300 * time.Second},
		"orchestrator": {cfg.Orchestrator.Interval, 180 * time.Second},
		"dedup":        {cfg.Detector.DedupWindow, 5 * time.Minute},
		"research":     {cfg.Predictor.ResearchCooldown, 120 * time.Second},
	}
	for name, pair := range checks {
		if pair[0] != pair[1] {
			t.Fatalf("%s 默认值应为 %s, 实际 %s", name, pair[1], pair[0])
		}
	}
	if cfg.Detector.VolumeThreshold != 5.0 || cfg.Detector.PriceThreshold != 0.15 {
		t.Fatalf("detector 阈值默认值错误: %+v", cfg.Detector)
	}
	if cfg.Profiler.MinRiskSamples != 5 || cfg.Profiler.MinStyleSamples != 10 {
		t.Fatalf("profiler 最小样本数默认值错误")
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("detector:\n  volume_threshold: 4.0\ncollector:\n  interval: 45s\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	t.Setenv("REHOBOAM_ORCHESTRATOR_DIVERGENCE_THRESHOLD", "0.8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Detector.VolumeThreshold != 4.0 {
		t.Fatalf("文件中的阈值应生效, 实际 %f", cfg.Detector.VolumeThreshold)
	}
	if cfg.Collector.Interval != 45*time.Second {
		t.Fatalf("文件中的 interval 应生效, 实际 %s", cfg.Collector.Interval)
	}
	if cfg.Orchestrator.DivergenceThreshold != 0.8 {
		t.Fatalf("环境变量应覆盖默认值, 实际 %f", cfg.Orchestrator.DivergenceThreshold)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.OutcomeWindow = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("outcome_window < 3 应报错")
	}

	cfg = Default()
	cfg.Inference.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("启用 inference 但缺少 api_key 应报错")
	}

	cfg = Default()
	cfg.Alerting.Telegram.Enabled = true
	cfg.Alerting.Telegram.BotToken = "x"
	if err := cfg.Validate(); err == nil {
		t.Fatal("缺少 chat_id 应报错")
	}
}
