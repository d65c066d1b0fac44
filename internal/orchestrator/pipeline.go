package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aiforge/aggregator/internal/apperrors"
	"github.com/aiforge/aggregator/internal/models"
	"github.com/aiforge/aggregator/internal/store"
	"github.com/aiforge/aggregator/internal/trainer"
	"github.com/rs/zerolog/log"
)

// trainingRow is one preprocessed sample ready for vectorization, carrying
// the per-row sample weight assigned in step 2.
type trainingRow struct {
	Text   string
	Label  string
	Weight int
}

// runCycle executes the full 11-step pipeline. Any error returned before
// step 9 (publish) leaves Store state unchanged except that uploads already
// marked processing are rolled back to pending by the deferred rollback
// below; a publish error triggers the same rollback.
func (o *Orchestrator) runCycle(ctx context.Context) (err error) {
	o.setState(StateCollecting)

	rows, uploads, err := o.snapshotInputs(ctx)
	if err != nil {
		return fmt.Errorf("snapshot inputs: %w", err)
	}
	if len(rows) < o.cfg.MinTrainingData {
		log.Info().Int("count", len(rows)).Int("min", o.cfg.MinTrainingData).
			Msg("training cycle skipped: insufficient data")
		return nil
	}

	weighted := o.assignWeights(rows)

	selectedUploads := uploads
	var markedProcessing []string
	defer func() {
		// Roll back any upload we marked processing if we fail before publish.
		if err != nil {
			for _, id := range markedProcessing {
				if rbErr := o.store.SetUploadedStatus(context.Background(), id, models.UploadPending, ""); rbErr != nil {
					log.Warn().Err(rbErr).Str("upload_id", id).Msg("⚠️ failed to roll back upload status")
				}
			}
		}
	}()

	o.setState(StateTraining)
	docs := make([]string, len(weighted))
	labels := make([]string, len(weighted))
	sampleWeights := make([]int, len(weighted))
	for i, r := range weighted {
		docs[i] = joinTokens(trainer.Tokenize(r.Text))
		labels[i] = r.Label
		sampleWeights[i] = r.Weight
	}

	vec, classes, X, y := o.vectorizeAndFit(docs, labels, sampleWeights)

	forest := trainer.NewRandomForest(uint64(time.Now().Unix())) // seed varies per cycle by design; reproducibility is per-artifact, not cross-cycle
	trainX, trainY, testX, testY := stratifiedSplit(X, y, 0.2, 17)
	forest.Fit(trainX, trainY, classes)
	accuracy := evaluateAccuracy(forest, testX, testY)

	if err := o.markProcessing(ctx, selectedUploads); err != nil {
		return fmt.Errorf("mark uploads processing: %w", err)
	}
	for _, u := range selectedUploads {
		markedProcessing = append(markedProcessing, u.ID)
	}

	o.setState(StateFusing)
	members, components, failedUploadIDs, incorporatedUploadIDs := o.fuseEnsemble(ctx, vec, classes, selectedUploads)

	version := o.assignVersion()

	artifactBytes, exportErr := o.serializeArtifact(vec, forest, members)

	o.setState(StatePublishing)
	if err := o.publish(ctx, version, artifactBytes, accuracy, len(weighted), components, exportErr, incorporatedUploadIDs, failedUploadIDs); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	markedProcessing = nil // published successfully, no rollback needed

	if err := o.emitTrainingSummary(ctx, version, accuracy, len(weighted), weighted, components, exportErr); err != nil {
		log.Warn().Err(err).Msg("⚠️ training summary emission failed (non-fatal)")
	}

	o.setState(StateRetaining)
	if err := o.retain(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ retention sweep failed (non-fatal to this cycle)")
	}

	return nil
}

func joinTokens(toks []string) string { return strings.Join(toks, " ") }

// snapshotInputs is step 1. It reads the relational snapshot and merges in
// interactions mirrored as JSON blobs under user_data/*, deduplicating by
// id. Malformed blobs are dropped with a warning rather than failing the
// whole batch.
func (o *Orchestrator) snapshotInputs(ctx context.Context) ([]store.TrainingRow, []models.UploadedModel, error) {
	rows, err := o.store.SnapshotTrainingData(ctx)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		seen[r.Interaction.ID] = struct{}{}
	}

	objs, err := o.blobs.ListModels(ctx, "user_data/")
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		log.Warn().Err(err).Msg("⚠️ could not list user_data mirror, continuing with relational snapshot only")
	}
	for _, obj := range objs {
		data, err := o.blobs.GetModelBytes(ctx, obj.Key)
		if err != nil {
			log.Warn().Err(err).Str("key", obj.Key).Msg("⚠️ dropping unreadable user_data blob")
			continue
		}
		var mirrored []models.Interaction
		if err := json.Unmarshal(data, &mirrored); err != nil {
			var single models.Interaction
			if err2 := json.Unmarshal(data, &single); err2 != nil {
				log.Warn().Str("key", obj.Key).Msg("⚠️ dropping malformed user_data blob")
				continue
			}
			mirrored = []models.Interaction{single}
		}
		for _, m := range mirrored {
			if m.ID == "" {
				log.Warn().Str("key", obj.Key).Msg("⚠️ dropping user_data row with empty id")
				continue
			}
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			rows = append(rows, store.TrainingRow{Interaction: m})
		}
	}

	uploads, err := o.store.ListPendingUploaded(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rows, uploads, nil
}

// assignWeights is step 2: weight = 1 base, 2 if feedback present, 3 if
// rating >= 4.
func (o *Orchestrator) assignWeights(rows []store.TrainingRow) []trainingRow {
	out := make([]trainingRow, 0, len(rows))
	for _, r := range rows {
		if r.Interaction.DetectedIntent == "" {
			continue // unlabeled rows can't train a classifier
		}
		weight := 1
		if r.Feedback != nil {
			weight = 2
			if r.Feedback.Rating >= 4 {
				weight = 3
			}
		}
		text := r.Interaction.UserMessage
		out = append(out, trainingRow{Text: text, Label: r.Interaction.DetectedIntent, Weight: weight})
	}
	return out
}

// vectorizeAndFit is steps 3-4 combined: preprocess (via trainer.Tokenize,
// already applied by callers via docs), TF-IDF vectorize, and expand rows by
// integer sample weight before fitting (weighted bootstrap via replication).
func (o *Orchestrator) vectorizeAndFit(docs, labels []string, weights []int) (*trainer.Vectorizer, []string, [][]float64, []int) {
	vec := trainer.NewVectorizer(o.cfg.MaxFeatures, o.cfg.NGramMin, o.cfg.NGramMax)
	vec.Fit(docs)

	classSet := map[string]struct{}{}
	for _, l := range labels {
		classSet[l] = struct{}{}
	}
	classes := make([]string, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	classIdx := make(map[string]int, len(classes))
	for i, c := range classes {
		classIdx[c] = i
	}

	var X [][]float64
	var y []int
	for i, d := range docs {
		vecRow := vec.Transform(d)
		reps := weights[i]
		if reps < 1 {
			reps = 1
		}
		for r := 0; r < reps; r++ {
			X = append(X, vecRow)
			y = append(y, classIdx[labels[i]])
		}
	}
	return vec, classes, X, y
}

// stratifiedSplit partitions X/y into an 80/20 train/test split, attempting
// to preserve class proportions. seed makes the split reproducible for a
// given cycle without depending on math/rand's global state.
func stratifiedSplit(X [][]float64, y []int, testFrac float64, seed uint64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	byClass := map[int][]int{}
	for i, c := range y {
		byClass[c] = append(byClass[c], i)
	}
	state := seed
	next := func() uint64 {
		state ^= state >> 12
		state ^= state << 25
		state ^= state >> 27
		return state * 0x2545F4914F6CDD1D
	}
	for _, idxs := range byClass {
		// deterministic shuffle
		for i := len(idxs) - 1; i > 0; i-- {
			j := int(next() % uint64(i+1))
			idxs[i], idxs[j] = idxs[j], idxs[i]
		}
		cut := int(float64(len(idxs)) * (1 - testFrac))
		for i, idx := range idxs {
			if i < cut {
				trainX = append(trainX, X[idx])
				trainY = append(trainY, y[idx])
			} else {
				testX = append(testX, X[idx])
				testY = append(testY, y[idx])
			}
		}
	}
	if len(trainX) == 0 {
		// every class has at most one sample: train on everything, skip held-out eval
		return X, y, nil, nil
	}
	return trainX, trainY, testX, testY
}

func evaluateAccuracy(f *trainer.RandomForest, X [][]float64, y []int) float64 {
	if len(X) == 0 {
		return 0
	}
	correct := 0
	for i, x := range X {
		probs := f.PredictProba(x)
		best := -1
		for c, p := range probs {
			if best == -1 || p > probs[best] {
				best = c
			}
		}
		if best == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(X))
}

// markProcessing is step 5.
func (o *Orchestrator) markProcessing(ctx context.Context, uploads []models.UploadedModel) error {
	for _, u := range uploads {
		if err := o.store.SetUploadedStatus(ctx, u.ID, models.UploadProcessing, ""); err != nil {
			return err
		}
	}
	return nil
}

// fuseEnsemble is step 6. It materializes each selected upload's artifact,
// attempts to decode it as a classifier, and falls back to a zero-weight
// placeholder member (marking the upload failed) when that's not possible —
// the on-device artifact format is opaque to this server beyond metadata,
// so decode failures are an expected, not exceptional, path.
func (o *Orchestrator) fuseEnsemble(ctx context.Context, vec *trainer.Vectorizer, classes []string, uploads []models.UploadedModel) (members []trainer.Member, components []models.EnsembleComponent, failedIDs, incorporatedIDs []string) {
	for _, u := range uploads {
		data, err := o.materializeUpload(ctx, u)
		if err != nil {
			log.Warn().Err(err).Str("upload_id", u.ID).Msg("⚠️ could not fetch uploaded artifact")
			failedIDs = append(failedIDs, u.ID)
			continue
		}
		artifact, err := trainer.UnmarshalArtifact(data)
		var forest *trainer.RandomForest
		if err == nil && len(artifact.Classifiers) > 0 && artifact.Classifiers[0].Forest != nil {
			forest = trainer.ForestFromBlob(artifact.Classifiers[0].Forest)
		}
		if forest == nil {
			log.Warn().Str("upload_id", u.ID).Msg("⚠️ uploaded artifact undecodable, using placeholder member")
			failedIDs = append(failedIDs, u.ID)
			members = append(members, trainer.Member{Classifier: nil, Weight: 0})
			continue
		}
		members = append(members, trainer.Member{Classifier: forest, Weight: o.cfg.UserWeight})
		components = append(components, models.EnsembleComponent{
			UploadedModelID: u.ID,
			DeviceID:        u.DeviceID,
			Weight:          o.cfg.UserWeight,
		})
		incorporatedIDs = append(incorporatedIDs, u.ID)
	}
	return members, components, failedIDs, incorporatedIDs
}

func (o *Orchestrator) materializeUpload(ctx context.Context, u models.UploadedModel) ([]byte, error) {
	key := keyFromBlobRef(u.BlobRef)
	return o.blobs.GetModelBytes(ctx, key)
}

func keyFromBlobRef(ref string) string {
	if i := strings.Index(ref, ":"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// assignVersion is step 7.
func (o *Orchestrator) assignVersion() string {
	return fmt.Sprintf("%s%d", o.cfg.ModelVersionPrefix, time.Now().Unix())
}

// serializeArtifact is step 8: gob-encode the fitted base classifier plus
// any fused upload members. On encode failure, the caller is expected to
// fall back to the current base model's bytes; that fallback is performed
// here since it needs blob-store access.
func (o *Orchestrator) serializeArtifact(vec *trainer.Vectorizer, base *trainer.RandomForest, uploadMembers []trainer.Member) (data []byte, exportErr string) {
	classifiers := []trainer.ClassifierBlob{{SourceID: "base", Forest: base.ToBlob()}}
	weights := []float64{o.cfg.BaseWeight}
	for _, m := range uploadMembers {
		var fb *trainer.ForestBlob
		if rf, ok := m.Classifier.(*trainer.RandomForest); ok && rf != nil {
			fb = rf.ToBlob()
		}
		classifiers = append(classifiers, trainer.ClassifierBlob{Forest: fb})
		weights = append(weights, m.Weight)
	}
	sm := &trainer.SerializedModel{
		Vectorizer:  vec,
		Classifiers: classifiers,
		Weights:     weights,
		Classes:     base.Classes(),
	}
	out, err := sm.Marshal()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ artifact export failed, falling back to current base-model bytes")
		fallback, ferr := o.blobs.GetModelBytes(context.Background(), "base_model/model_latest.bin")
		if ferr != nil {
			return nil, err.Error()
		}
		return fallback, err.Error()
	}
	return out, ""
}

// publish is step 9: blob writes ordered before row writes, so a partial
// failure can leave blobs without a row but never a row without its blob;
// the next publish overwrites the base-model pointer.
func (o *Orchestrator) publish(ctx context.Context, version string, artifact []byte, accuracy float64, trainingDataSize int, components []models.EnsembleComponent, exportErr string, incorporatedIDs, failedIDs []string) error {
	trainedKey := fmt.Sprintf("trained/model_%s.bin", version)
	if err := o.blobs.PutModel(ctx, trainedKey, bytes.NewReader(artifact), int64(len(artifact))); err != nil {
		return fmt.Errorf("put trained artifact: %w", err)
	}
	if err := o.blobs.PutModel(ctx, "base_model/model_latest.bin", bytes.NewReader(artifact), int64(len(artifact))); err != nil {
		return fmt.Errorf("update base pointer: %w", err)
	}
	versionedPointer := fmt.Sprintf("base_model/model_%s.bin", version)
	if err := o.blobs.PutModel(ctx, versionedPointer, bytes.NewReader(artifact), int64(len(artifact))); err != nil {
		return fmt.Errorf("put versioned base pointer: %w", err)
	}

	mv := models.ModelVersion{
		Version:          version,
		BlobRef:          "blob:" + trainedKey,
		Accuracy:         accuracy,
		TrainingDataSize: trainingDataSize,
		TrainingDate:     time.Now(),
		CreatedAt:        time.Now(),
		ExportError:      exportErr,
	}
	if err := o.store.InsertModelVersion(ctx, mv); err != nil {
		return fmt.Errorf("insert model version: %w", err)
	}

	if len(components) > 0 {
		if err := o.store.InsertEnsembleRecord(ctx, models.EnsembleRecord{
			Version:     version,
			Description: fmt.Sprintf("base + %d fused upload(s)", len(components)),
			Components:  components,
		}); err != nil {
			return fmt.Errorf("insert ensemble record: %w", err)
		}
	}

	for _, id := range incorporatedIDs {
		if err := o.store.SetUploadedStatus(ctx, id, models.UploadIncorporated, version); err != nil {
			return fmt.Errorf("mark upload incorporated: %w", err)
		}
	}
	for _, id := range failedIDs {
		if err := o.store.SetUploadedStatus(ctx, id, models.UploadFailed, ""); err != nil {
			return fmt.Errorf("mark upload failed: %w", err)
		}
	}

	if o.cache != nil {
		o.cache.Invalidate()
	}
	return nil
}

// trainingSummary mirrors the JSON shape spec'd for the training report.
type trainingSummary struct {
	Version      string    `json:"version"`
	TrainingDate time.Time `json:"trainingDate"`
	ModelType    string    `json:"modelType"`
	Performance  struct {
		Accuracy         float64 `json:"accuracy"`
		TrainingDataSize int     `json:"trainingDataSize"`
	} `json:"performance"`
	TrainingData struct {
		Total             int            `json:"total"`
		IntentDistribution map[string]int `json:"intentDistribution"`
		FeedbackSamples   int            `json:"feedbackSamples"`
		PositiveFeedback  int            `json:"positiveFeedback"`
	} `json:"trainingData"`
	IncorporatedModels []models.EnsembleComponent `json:"incorporatedModels"`
	Changes            []string                   `json:"changes"`
	SummaryText         string                     `json:"summaryText"`
}

// emitTrainingSummary is step 10.
func (o *Orchestrator) emitTrainingSummary(ctx context.Context, version string, accuracy float64, total int, rows []trainingRow, components []models.EnsembleComponent, exportErr string) error {
	dist := map[string]int{}
	feedbackSamples, positiveFeedback := 0, 0
	for _, r := range rows {
		dist[r.Label]++
		// assignWeights gives 2 to rows with feedback and 3 to rating >= 4.
		if r.Weight >= 2 {
			feedbackSamples++
		}
		if r.Weight >= 3 {
			positiveFeedback++
		}
	}

	modelType := "standard"
	if len(components) > 0 {
		modelType = "ensemble"
	}

	summary := trainingSummary{
		Version:      version,
		TrainingDate: time.Now(),
		ModelType:    modelType,
	}
	summary.Performance.Accuracy = accuracy
	summary.Performance.TrainingDataSize = total
	summary.TrainingData.Total = total
	summary.TrainingData.IntentDistribution = dist
	summary.TrainingData.FeedbackSamples = feedbackSamples
	summary.TrainingData.PositiveFeedback = positiveFeedback
	summary.IncorporatedModels = components
	summary.Changes = []string{fmt.Sprintf("trained on %d samples across %d intents", total, len(dist))}
	if exportErr != "" {
		summary.Changes = append(summary.Changes, "artifact export failed, published base-model fallback bytes")
	}
	summary.SummaryText = fmt.Sprintf("Model %s: %s, accuracy %.3f over %d samples.", version, modelType, accuracy, total)

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}

	md := renderMarkdownReport(summary)

	writes := []struct {
		key  string
		body []byte
	}{
		{"base_model/latest_model_info.json", data},
		{fmt.Sprintf("base_model/model_info_%s.json", version), data},
		{fmt.Sprintf("model_info/model_%s_update.json", version), data},
		{fmt.Sprintf("model_info/model_%s_update.md", version), md},
	}
	for _, w := range writes {
		if err := o.blobs.PutModel(ctx, w.key, bytes.NewReader(w.body), int64(len(w.body))); err != nil {
			return fmt.Errorf("write %s: %w", w.key, err)
		}
	}
	return nil
}

func renderMarkdownReport(s trainingSummary) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Model %s\n\n", s.Version)
	fmt.Fprintf(&b, "- Type: %s\n", s.ModelType)
	fmt.Fprintf(&b, "- Accuracy: %.3f\n", s.Performance.Accuracy)
	fmt.Fprintf(&b, "- Training samples: %d\n\n", s.Performance.TrainingDataSize)
	fmt.Fprintln(&b, "## Intent distribution")
	for intent, count := range s.TrainingData.IntentDistribution {
		fmt.Fprintf(&b, "- %s: %d\n", intent, count)
	}
	if len(s.IncorporatedModels) > 0 {
		fmt.Fprintln(&b, "\n## Incorporated uploads")
		for _, c := range s.IncorporatedModels {
			fmt.Fprintf(&b, "- device %s, weight %.1f\n", c.DeviceID, c.Weight)
		}
	}
	fmt.Fprintln(&b, "\n## Changes")
	for _, c := range s.Changes {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return []byte(b.String())
}

// retain is step 11: delete non-base ModelVersions beyond MaxModelsToKeep
// newest, blob before row, never touching the reserved 1.0.0 seed.
func (o *Orchestrator) retain(ctx context.Context) error {
	versions, err := o.store.ListRetainableVersions(ctx)
	if err != nil {
		return err
	}
	if len(versions) <= o.cfg.MaxModelsToKeep {
		return nil
	}
	toDelete := versions[o.cfg.MaxModelsToKeep:]
	for _, v := range toDelete {
		key := keyFromBlobRef(v.BlobRef)
		if err := o.blobs.DeleteModel(ctx, key); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			log.Warn().Err(err).Str("version", v.Version).Msg("⚠️ retention: failed to delete blob, leaving row for next sweep")
			continue
		}
		if err := o.store.DeleteModelVersion(ctx, v.Version); err != nil {
			log.Warn().Err(err).Str("version", v.Version).Msg("⚠️ retention: failed to delete row after blob removal")
			continue
		}
		log.Info().Str("version", v.Version).Msg("🗑️ retired old model version")
	}
	return nil
}

