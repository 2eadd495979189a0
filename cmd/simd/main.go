package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	chromem "github.com/philippgille/chromem-go"
	"github.com/redis/go-redis/v9"

	"github.com/yoonmo01/VP2-sub000/pkg/config"
	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/emotion"
	"github.com/yoonmo01/VP2-sub000/pkg/engagement"
	"github.com/yoonmo01/VP2-sub000/pkg/events"
	"github.com/yoonmo01/VP2-sub000/pkg/guidance"
	"github.com/yoonmo01/VP2-sub000/pkg/jsonx"
	"github.com/yoonmo01/VP2-sub000/pkg/judge"
	"github.com/yoonmo01/VP2-sub000/pkg/labeling"
	"github.com/yoonmo01/VP2-sub000/pkg/llm"
	"github.com/yoonmo01/VP2-sub000/pkg/orchestrator"
	"github.com/yoonmo01/VP2-sub000/pkg/store"
)

const Version = "0.1.0"

// longPollWindow bounds a single GET /runs/:id/events request; clients
// re-issue with the returned cursor.
const longPollWindow = 25 * time.Second

// Simulator holds the assembled simulation components.
// Everything past the dialogue model is optional and gracefully degrades.
type Simulator struct {
	config  *config.Config
	store   store.Store
	reports *store.ReportCache
	emitter *events.Emitter
	orch    *orchestrator.Orchestrator
	chatter llm.Chatter
}

func NewSimulator(ctx context.Context, cfg *config.Config) *Simulator {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}

	s := &Simulator{config: cfg}

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var st store.Store = store.NewMemoryStore()
	if cfg.PostgresDSN != "" {
		if pg := store.NewPGStoreWithFallback(ctx, cfg.PostgresDSN); pg != nil {
			st = pg
		}
	} else {
		log.Println("○ Postgres disabled (no DSN), using in-memory store")
	}
	s.store = st

	// Event mirroring and report caching share the Redis address.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	mirror := events.NewMirrorWithFallback(ctx, cfg.RedisAddr)
	s.emitter = events.NewEmitter(events.NewBus(), mirror)

	// Dialogue model - required for live turn generation. Without it the
	// server still answers reads, but POST /runs fails.
	chatter, err := llm.New(cfg)
	if err != nil {
		log.Printf("○ LLM disabled (%v) - runs cannot be started", err)
	} else {
		log.Printf("✓ LLM enabled (provider: %s, model: %s)", cfg.LLMProvider, cfg.LLMModel)
	}
	s.chatter = chatter

	judgeModel := cfg.JudgeModel
	if judgeModel == "" {
		judgeModel = cfg.LLMModel
	}

	// Judging: LLM scorer when a model is available, heuristic otherwise;
	// the heuristic always backs the LLM scorer.
	var scorer judge.Scorer = judge.NewHeuristicScorer()
	judgeOpts := []judge.Option{judge.WithEmotionRequired(cfg.EnableEmotion)}
	if chatter != nil {
		scorer = judge.NewLLMScorer(chatter, judgeModel, cfg.RetryBudget)
		judgeOpts = append(judgeOpts, judge.WithFallbackScorer(judge.NewHeuristicScorer()))
		log.Println("✓ LLM judge enabled (heuristic fallback)")
	} else {
		log.Println("○ LLM judge disabled, heuristic scoring only")
	}
	roundJudge := judge.NewEngine(scorer, st, judgeOpts...)

	// Emotion labeling: ONNX classifier when a model directory exists,
	// LLM classifier as fallback.
	var labeler orchestrator.Labeler
	if cfg.EnableEmotion {
		hugotCfg := emotion.DefaultHugotConfig()
		if cfg.EmotionModelPath != "" {
			hugotCfg.ModelPath = cfg.EmotionModelPath
		}
		hugot := emotion.NewHugotClassifierWithFallback(hugotCfg)
		var llmCls *emotion.LLMClassifier
		if chatter != nil {
			llmCls = emotion.NewLLMClassifier(chatter, judgeModel, cfg.RetryBudget)
		}
		if hugot.Ready() || llmCls != nil {
			opts := []labeling.Option{
				labeling.WithPairMode(cfg.EmotionPairMode),
				labeling.WithAttachMode(cfg.HiddenStateAttach),
				labeling.WithClassifyTimeout(cfg.ClassifyTimeout()),
			}
			if llmCls != nil {
				opts = append(opts, labeling.WithFallback(llmCls))
			}
			if cfg.EnableHiddenState {
				opts = append(opts, labeling.WithTracker(engagement.NewDefaultHMM()))
				log.Println("✓ Hidden-state tracking enabled")
			}
			labeler = labeling.New(hugot, opts...)
			log.Printf("✓ Emotion labeling enabled (pair mode: %s)", cfg.EmotionPairMode)
		} else {
			log.Println("○ Emotion labeling disabled (no ONNX model, no LLM)")
		}
	} else {
		log.Println("○ Emotion labeling disabled by config")
	}

	// Guidance: external reports come through a Redis-backed cache; the
	// semantic hinter needs Ollama embeddings and is strictly optional.
	var hinter *guidance.Hinter
	if cfg.LLMProvider == config.ProviderOllama {
		base := strings.TrimSuffix(cfg.LLMBaseURL, "/v1")
		if base == "" {
			base = "http://localhost:11434"
		}
		embed := chromem.NewEmbeddingFuncOllama("nomic-embed-text", base+"/api")
		hinter = guidance.NewHinterWithFallback(guidance.DefaultCatalogSet().For("default"), embed)
	}
	s.reports = store.NewReportCache(rdb, st)
	guide := guidance.NewGenerator(chatter, judgeModel,
		guidance.WithReportLoader(s.reports),
		guidance.WithMergeRound(cfg.ReportMergeRound),
		guidance.WithRetryBudget(cfg.RetryBudget),
		guidance.WithHinter(hinter),
	)

	factory := func(observer dialogue.TurnObserver, maxTurnsPerRole int) orchestrator.RoundEngine {
		opts := []dialogue.EngineOption{
			dialogue.WithRetryBudget(cfg.RetryBudget),
			dialogue.WithObserver(observer),
		}
		if maxTurnsPerRole > 0 {
			opts = append(opts, dialogue.WithTurnCaps(maxTurnsPerRole, maxTurnsPerRole))
		}
		return dialogue.NewEngine(chatter, cfg.LLMModel, st, opts...)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithPrevention(func(ctx context.Context, in guidance.PreventionInput) string {
			if chatter == nil {
				return guidance.TemplatedPrevention(in)
			}
			return guidance.GeneratePrevention(ctx, chatter, judgeModel, cfg.RetryBudget, in)
		}),
	}
	if labeler != nil {
		orchOpts = append(orchOpts, orchestrator.WithLabeler(labeler))
	}
	s.orch = orchestrator.New(cfg, st, s.emitter, factory, roundJudge, guide, orchOpts...)

	return s
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		addr := ""
		if len(os.Args) > 2 {
			addr = ":" + strings.TrimPrefix(os.Args[2], ":")
		}
		runHTTPServer(addr)
	case "run":
		offender, victim := "", ""
		if len(os.Args) > 3 {
			offender, victim = os.Args[2], os.Args[3]
		}
		runCLI(offender, victim)
	case "version":
		fmt.Printf("vpsim v%s\n", Version)
		fmt.Println("Voice-Phishing Dialogue Simulation Core")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("vpsim v%s - Voice-Phishing Dialogue Simulation Core\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  simd serve [port]               Start HTTP server (default: 8088)")
	fmt.Println("  simd run [offender victim]      Run one simulation from seeded IDs")
	fmt.Println("                                  (no args: built-in demo seeds)")
	fmt.Println("  simd version                    Show version")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  VPSIM_LLM_PROVIDER       ollama, openrouter, groq, openai, custom, none")
	fmt.Println("  VPSIM_LLM_MODEL          Model for dialogue turns")
	fmt.Println("  VPSIM_JUDGE_MODEL        Model for judging/guidance (default: LLM model)")
	fmt.Println("  VPSIM_POSTGRES_DSN       Postgres DSN (default: in-memory store)")
	fmt.Println("  VPSIM_REDIS_ADDR         Redis for event mirror + report cache")
	fmt.Println("  VPSIM_EMOTION_MODEL_PATH Path to ONNX emotion model directory")
}

// ============================================================================
// HTTP Server Mode
// ============================================================================

// prepareStatus maps Prepare failures to HTTP statuses. The sentinels are
// wrapped by the orchestrator, so match with errors.Is.
func prepareStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrDuplicateRun):
		return 409
	case errors.Is(err, orchestrator.ErrUnknownSeed):
		return 404
	default:
		return 500
	}
}

func runHTTPServer(addr string) {
	cfg := config.NewDefaultConfig()
	if addr != "" {
		cfg.ListenAddr = addr
	}
	sim := NewSimulator(context.Background(), cfg)

	app := fiber.New(fiber.Config{
		AppName: "vpsim",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": Version})
	})

	// Starts a run and returns immediately; progress arrives through
	// GET /runs/:id/events.
	app.Post("/runs", func(c fiber.Ctx) error {
		if sim.chatter == nil {
			return c.Status(503).JSON(fiber.Map{"error": "no LLM provider configured"})
		}
		var req orchestrator.StartRequest
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}
		if req.OffenderID == "" || req.VictimID == "" {
			return c.Status(400).JSON(fiber.Map{"error": "offender_id and victim_id are required"})
		}

		run, err := sim.orch.Prepare(c.Context(), req)
		if err != nil {
			return c.Status(prepareStatus(err)).JSON(fiber.Map{"error": err.Error()})
		}

		// Detached from the request: the run keeps going after the
		// client disconnects.
		go func() {
			if _, err := sim.orch.Execute(context.Background(), run); err != nil {
				log.Printf("[RUN] case=%s failed: %v", run.ID, err)
			}
		}()

		return c.Status(202).JSON(fiber.Map{"run_id": run.ID, "case_id": run.ID})
	})

	// Long-poll event stream. Pass the returned cursor on the next call;
	// an empty batch after run_finished/run_failed means the stream is done.
	app.Get("/runs/:id/events", func(c fiber.Ctx) error {
		runID := c.Params("id")
		cursor, _ := strconv.Atoi(c.Query("cursor"))

		ctx, cancel := context.WithTimeout(c.Context(), longPollWindow)
		defer cancel()

		evs, next, err := sim.emitter.Bus().Drain(ctx, runID, cursor)
		if err != nil && len(evs) == 0 {
			// Poll window elapsed with nothing new; not an error.
			return c.JSON(fiber.Map{"events": []events.Event{}, "cursor": cursor})
		}
		if evs == nil {
			evs = []events.Event{}
		}
		return c.JSON(fiber.Map{"events": evs, "cursor": next})
	})

	// External-report intake. Collaborators deliver the payload as a bare
	// object, a string-wrapped object, or under a "data" key; Normalize is
	// the one decoding boundary before anything reaches the store.
	app.Put("/cases/:id/report", func(c fiber.Ctx) error {
		normalized, err := jsonx.Normalize(c.Body())
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "undecodable report payload"})
		}
		caseID := c.Params("id")
		if err := sim.store.SaveReport(c.Context(), caseID, string(normalized)); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		sim.reports.Invalidate(c.Context(), caseID)
		return c.JSON(fiber.Map{"status": "stored"})
	})

	app.Get("/runs/:id/verdicts/:round", func(c fiber.Ctx) error {
		round, err := strconv.Atoi(c.Params("round"))
		if err != nil || round < 1 {
			return c.Status(400).JSON(fiber.Map{"error": "invalid round"})
		}
		v, err := sim.store.LoadVerdict(c.Context(), c.Params("id"), round)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if v == nil {
			return c.Status(404).JSON(fiber.Map{"error": "verdict not found"})
		}
		return c.JSON(v)
	})

	app.Get("/runs/:id/turns/:round", func(c fiber.Ctx) error {
		round, err := strconv.Atoi(c.Params("round"))
		if err != nil || round < 1 {
			return c.Status(400).JSON(fiber.Map{"error": "invalid round"})
		}
		turns, err := sim.store.ListTurns(c.Context(), c.Params("id"), round)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if turns == nil {
			turns = []dialogue.Turn{}
		}
		return c.JSON(fiber.Map{"turns": turns})
	})

	log.Printf("vpsim HTTP server starting on %s", cfg.ListenAddr)
	log.Printf("Endpoints:")
	log.Printf("  GET  /health                    - Health check")
	log.Printf("  POST /runs                      - Start a simulation run")
	log.Printf("  GET  /runs/:id/events?cursor=N  - Long-poll progress events")
	log.Printf("  GET  /runs/:id/verdicts/:round  - Per-round verdict")
	log.Printf("  GET  /runs/:id/turns/:round     - Per-round transcript")
	log.Printf("  PUT  /cases/:id/report          - External analysis report intake")

	if err := app.Listen(cfg.ListenAddr); err != nil {
		log.Fatal(err)
	}
}

// ============================================================================
// CLI Mode
// ============================================================================

func runCLI(offenderID, victimID string) {
	cfg := config.NewDefaultConfig()
	sim := NewSimulator(context.Background(), cfg)
	if sim.chatter == nil {
		log.Fatal("no LLM provider configured; set VPSIM_LLM_PROVIDER")
	}

	req := orchestrator.StartRequest{OffenderID: offenderID, VictimID: victimID}
	if offenderID == "" || victimID == "" {
		req.OffenderID = "demo-offender"
		req.VictimID = "demo-victim"
		req.ScenarioSeed = &dialogue.Scenario{
			ID:         "demo-offender",
			Kind:       "institution_impersonation",
			Title:      "Prosecutor's office account freeze",
			Script:     "Claim the victim's bank account was used for money laundering and must be moved to a protected account today.",
			OffenderID: "demo-offender",
		}
		req.VictimSeed = &dialogue.VictimProfile{
			ID:              "demo-victim",
			Name:            "Demo Victim",
			Age:             67,
			Persona:         "Retired teacher, trusts authority, unfamiliar with banking apps.",
			Vulnerabilities: []string{"authority deference", "low digital literacy"},
		}
		log.Println("No seed IDs given, using built-in demo seeds")
	}

	result, err := sim.orch.StartRun(context.Background(), req)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}
