package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"docuchat/internal/ai"
	"docuchat/internal/model"
	"docuchat/internal/rag"
	"docuchat/internal/repository"
	"docuchat/internal/vectorindex"
)

const (
	defaultTopK        = 5
	embeddingBatchSize = 10 // embedding APIs often limit batch size
)

var (
	ErrEmptyDocument    = errors.New("document contains no extractable text")
	ErrDocumentNotFound = errors.New("document not found")
)

// EmbeddingClient and CompletionClient are the slices of the model client the
// RAG pipeline needs; *ai.OpenAICompatibleClient satisfies both.
type EmbeddingClient interface {
	Embed(ctx context.Context, cfg ai.EmbeddingConfig, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, cfg ai.EmbeddingConfig, texts []string) ([][]float32, error)
}

type CompletionClient interface {
	Complete(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage) (string, error)
}

// RAGParams are the per-deployment pipeline settings. TopK may be overridden
// per request; the rest are fixed.
type RAGParams struct {
	ChunkSize       int
	ChunkOverlap    int
	TopK            int
	MaxContextChars int
}

type RAGService struct {
	docRepo    *repository.DocumentRepository
	chunkRepo  *repository.ChunkRepository
	index      *vectorindex.Index
	embedder   EmbeddingClient
	completer  CompletionClient
	embConfig  ai.EmbeddingConfig
	chatConfig ai.ChatConfig
	params     RAGParams
	indexPath  string
}

func NewRAGService(
	docRepo *repository.DocumentRepository,
	chunkRepo *repository.ChunkRepository,
	index *vectorindex.Index,
	embedder EmbeddingClient,
	completer CompletionClient,
	embConfig ai.EmbeddingConfig,
	chatConfig ai.ChatConfig,
	params RAGParams,
	indexPath string,
) *RAGService {
	if params.ChunkSize <= 0 {
		params.ChunkSize = 500
	}
	if params.ChunkOverlap < 0 || params.ChunkOverlap >= params.ChunkSize {
		params.ChunkOverlap = params.ChunkSize / 10
	}
	if params.TopK <= 0 {
		params.TopK = defaultTopK
	}
	if params.MaxContextChars <= 0 {
		params.MaxContextChars = 6000
	}
	return &RAGService{
		docRepo:    docRepo,
		chunkRepo:  chunkRepo,
		index:      index,
		embedder:   embedder,
		completer:  completer,
		embConfig:  embConfig,
		chatConfig: chatConfig,
		params:     params,
		indexPath:  indexPath,
	}
}

// CreateDocument registers an upload in pending state. The document becomes
// visible to retrieval only after ProcessDocument marks it succeeded.
func (s *RAGService) CreateDocument(userID uint, filename string) (*model.Document, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = "Untitled"
	}
	doc := &model.Document{
		UserID:   userID,
		Filename: filename,
		Status:   model.DocumentStatusPending,
	}
	if err := s.docRepo.Create(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ProcessDocument runs the ingestion pipeline for one document as a single
// sequential unit: chunk, embed in batches, persist chunk rows, insert
// vectors, snapshot, mark succeeded. Any failure, including cancellation,
// rolls back everything already written for this document and marks it
// failed; the index never keeps a partial document.
func (s *RAGService) ProcessDocument(ctx context.Context, doc *model.Document, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		s.markFailed(doc.ID, ErrEmptyDocument.Error())
		return ErrEmptyDocument
	}

	spans, err := rag.Split(content, s.params.ChunkSize, s.params.ChunkOverlap)
	if err != nil {
		s.markFailed(doc.ID, err.Error())
		return err
	}

	// Extracted PDF text can contain whitespace runs wider than a window.
	// Such windows carry nothing to retrieve and the embedder rejects them.
	kept := spans[:0]
	for _, sp := range spans {
		if strings.TrimSpace(sp.Text) != "" {
			kept = append(kept, sp)
		}
	}
	spans = kept
	if len(spans) == 0 {
		s.markFailed(doc.ID, ErrEmptyDocument.Error())
		return ErrEmptyDocument
	}

	// Embed before anything is written so an embedder outage leaves no
	// residue at all. Ingestion is a mutating operation: no retry.
	vectors := make([][]float32, 0, len(spans))
	for i := 0; i < len(spans); i += embeddingBatchSize {
		end := i + embeddingBatchSize
		if end > len(spans) {
			end = len(spans)
		}
		texts := make([]string, 0, end-i)
		for _, sp := range spans[i:end] {
			texts = append(texts, sp.Text)
		}
		batch, err := s.embedder.EmbedBatch(ctx, s.embConfig, texts)
		if err != nil {
			s.markFailed(doc.ID, "embed chunks failed: "+err.Error())
			return fmt.Errorf("embed chunks failed: %w", err)
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) != len(spans) {
		s.markFailed(doc.ID, "embedding count mismatch")
		return fmt.Errorf("embedding count mismatch: %w", ai.ErrServiceUnavailable)
	}

	chunks := make([]model.Chunk, len(spans))
	for i, sp := range spans {
		chunks[i] = model.Chunk{
			DocumentID:  doc.ID,
			Ordinal:     i,
			Content:     sp.Text,
			StartOffset: sp.Start,
			EndOffset:   sp.End,
		}
	}
	if err := s.chunkRepo.CreateBatch(chunks); err != nil {
		s.markFailed(doc.ID, "persist chunks failed")
		return err
	}

	inserted := make([]uint, 0, len(chunks))
	rollback := func(reason string) {
		s.index.RemoveAll(inserted)
		if err := s.chunkRepo.DeleteByDocumentID(doc.ID); err != nil {
			log.Printf("rollback chunks for document %d failed: %v", doc.ID, err)
		}
		s.markFailed(doc.ID, reason)
	}

	for i := range chunks {
		if err := ctx.Err(); err != nil {
			rollback("ingestion cancelled")
			return err
		}
		if err := s.index.Insert(chunks[i].ID, vectors[i]); err != nil {
			rollback("index insert failed: " + err.Error())
			return fmt.Errorf("index insert failed: %w", err)
		}
		inserted = append(inserted, chunks[i].ID)
	}

	// Vectors must be durable before the document becomes searchable.
	if err := s.saveIndex(); err != nil {
		rollback("index snapshot failed")
		return err
	}

	if err := s.docRepo.UpdateStatus(doc.ID, model.DocumentStatusSucceeded, "", len(chunks)); err != nil {
		rollback("record ingestion result failed")
		return err
	}
	return nil
}

// AskInput is the input for a retrieval-augmented question.
type AskInput struct {
	UserID   uint
	Question string
	TopK     int
}

// SourceChunk is a retrieved chunk with its similarity score, returned for
// citation.
type SourceChunk struct {
	Chunk model.Chunk `json:"chunk"`
	Score float32     `json:"score"`
}

// AskResult is the answer plus the chunks actually included in the prompt.
type AskResult struct {
	Answer  string        `json:"answer"`
	Sources []SourceChunk `json:"sources"`
}

// Ask embeds the question, retrieves the top-k chunks owned by the user,
// assembles a bounded context block and forwards a completion request. An
// empty index degrades to plain chat rather than failing.
func (s *RAGService) Ask(ctx context.Context, input AskInput) (*AskResult, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, ErrInvalidInput
	}
	topK := input.TopK
	if topK <= 0 {
		topK = s.params.TopK
	}

	// Query embedding and search are idempotent reads: one immediate retry.
	var queryVec []float32
	err := retryOnce(ctx, func() error {
		var embErr error
		queryVec, embErr = s.embedder.Embed(ctx, s.embConfig, question)
		return embErr
	})
	if err != nil {
		return nil, fmt.Errorf("embed question failed: %w", err)
	}

	hits, err := s.index.Search(queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("index search failed: %w", err)
	}

	sources, err := s.resolveSources(input.UserID, hits)
	if err != nil {
		return nil, err
	}
	sources = s.fitContextBudget(sources)

	messages := buildRAGPrompt(question, sources)

	var answer string
	err = retryOnce(ctx, func() error {
		var llmErr error
		answer, llmErr = s.completer.Complete(ctx, s.chatConfig, messages)
		return llmErr
	})
	if err != nil {
		return nil, err
	}

	return &AskResult{
		Answer:  strings.TrimSpace(answer),
		Sources: sources,
	}, nil
}

// resolveSources maps search hits back to persisted chunks, dropping any hit
// whose document is not the caller's or not succeeded. Hit order is kept.
func (s *RAGService) resolveSources(userID uint, hits []vectorindex.Result) ([]SourceChunk, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunks, err := s.chunkRepo.ListByIDs(ids)
	if err != nil {
		return nil, err
	}
	chunkByID := make(map[uint]model.Chunk, len(chunks))
	docIDs := make([]uint, 0, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
		docIDs = append(docIDs, c.DocumentID)
	}

	docs, err := s.docRepo.ListByIDs(docIDs)
	if err != nil {
		return nil, err
	}
	visible := make(map[uint]bool, len(docs))
	for _, d := range docs {
		visible[d.ID] = d.UserID == userID && d.Status == model.DocumentStatusSucceeded
	}

	sources := make([]SourceChunk, 0, len(hits))
	for _, h := range hits {
		c, ok := chunkByID[h.ID]
		if !ok || !visible[c.DocumentID] {
			continue
		}
		sources = append(sources, SourceChunk{Chunk: c, Score: h.Score})
	}
	return sources, nil
}

// fitContextBudget keeps sources, highest score first, until the combined
// text would exceed the context budget; the rest are dropped. A top chunk
// larger than the whole budget is truncated rather than dropped, so real
// hits never degrade into a context-free answer.
func (s *RAGService) fitContextBudget(sources []SourceChunk) []SourceChunk {
	kept := sources[:0]
	total := 0
	for _, src := range sources {
		if total+len(src.Chunk.Content) > s.params.MaxContextChars {
			if len(kept) == 0 {
				src.Chunk.Content = truncateToBytes(src.Chunk.Content, s.params.MaxContextChars)
				kept = append(kept, src)
			}
			break
		}
		total += len(src.Chunk.Content)
		kept = append(kept, src)
	}
	return kept
}

// truncateToBytes cuts s to at most max bytes without splitting a rune.
func truncateToBytes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		if max <= 0 {
			return ""
		}
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func buildRAGPrompt(question string, sources []SourceChunk) []ai.ChatMessage {
	if len(sources) == 0 {
		return []ai.ChatMessage{
			{Role: "system", Content: "You are a concise and helpful AI assistant."},
			{Role: "user", Content: question},
		}
	}

	var contextBlock strings.Builder
	for i, src := range sources {
		fmt.Fprintf(&contextBlock, "\n--- Source %d ---\n%s", i+1, src.Chunk.Content)
	}

	systemContent := "You are a helpful assistant. Answer only from the supplied context. If the context does not contain enough information, say so. Do not make up facts."
	userContent := "Context information:" + contextBlock.String() +
		"\n\nBased on the context above, please answer the following question:\n" + question +
		"\n\nAnswer:"

	return []ai.ChatMessage{
		{Role: "system", Content: systemContent},
		{Role: "user", Content: userContent},
	}
}

// ListDocuments returns the user's documents, newest first.
func (s *RAGService) ListDocuments(userID uint) ([]model.Document, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.docRepo.ListByUserID(userID)
}

// GetDocument returns one document for status polling.
func (s *RAGService) GetDocument(userID, documentID uint) (*model.Document, error) {
	if userID == 0 || documentID == 0 {
		return nil, ErrInvalidInput
	}
	doc, err := s.docRepo.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// DeleteDocument removes a document in two phases: vectors first, then chunk
// rows, then the document row, so a crash mid-delete never strands vectors
// without metadata.
func (s *RAGService) DeleteDocument(userID, documentID uint) error {
	if userID == 0 || documentID == 0 {
		return ErrInvalidInput
	}
	doc, err := s.docRepo.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}

	chunkIDs, err := s.chunkRepo.ListIDsByDocumentIDs([]uint{doc.ID})
	if err != nil {
		return err
	}
	s.index.RemoveAll(chunkIDs)
	if err := s.saveIndex(); err != nil {
		return err
	}
	if err := s.chunkRepo.DeleteByDocumentID(doc.ID); err != nil {
		return err
	}
	return s.docRepo.DeleteByIDAndUserID(doc.ID, userID)
}

// Stats are the aggregate counts exposed by the stats endpoint.
type Stats struct {
	DocumentCount int64 `json:"document_count"`
	ChunkCount    int64 `json:"chunk_count"`
	IndexSize     int   `json:"index_size"`
	Dimension     int   `json:"dimension"`
}

func (s *RAGService) Stats() (*Stats, error) {
	docCount, err := s.docRepo.Count()
	if err != nil {
		return nil, err
	}
	chunkCount, err := s.chunkRepo.Count()
	if err != nil {
		return nil, err
	}
	return &Stats{
		DocumentCount: docCount,
		ChunkCount:    chunkCount,
		IndexSize:     s.index.Len(),
		Dimension:     s.index.Dimension(),
	}, nil
}

// Reconcile repairs index/store drift after a crash: vectors whose chunk row
// is gone or whose document never succeeded are dropped, and succeeded
// documents missing vectors are marked failed so they stop claiming
// searchability they no longer have. Self-healing only; never user-visible.
func (s *RAGService) Reconcile() error {
	succeeded, err := s.docRepo.ListSucceeded()
	if err != nil {
		return err
	}
	docIDs := make([]uint, len(succeeded))
	for i, d := range succeeded {
		docIDs[i] = d.ID
	}

	validChunks := make(map[uint]bool)
	perDoc := make(map[uint][]uint, len(succeeded))
	if len(docIDs) > 0 {
		for _, d := range succeeded {
			ids, err := s.chunkRepo.ListIDsByDocumentIDs([]uint{d.ID})
			if err != nil {
				return err
			}
			perDoc[d.ID] = ids
			for _, id := range ids {
				validChunks[id] = true
			}
		}
	}

	indexed := make(map[uint]bool)
	var orphans []uint
	for _, id := range s.index.IDs() {
		indexed[id] = true
		if !validChunks[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		s.index.RemoveAll(orphans)
		log.Printf("reconcile: dropped %d orphaned vectors", len(orphans))
	}

	demoted := 0
	for _, d := range succeeded {
		missing := false
		for _, id := range perDoc[d.ID] {
			if !indexed[id] {
				missing = true
				break
			}
		}
		if missing {
			s.index.RemoveAll(perDoc[d.ID])
			s.markFailed(d.ID, "index missing vectors after restart")
			demoted++
		}
	}
	if demoted > 0 {
		log.Printf("reconcile: marked %d documents failed (missing vectors)", demoted)
	}

	if len(orphans) > 0 || demoted > 0 {
		return s.saveIndex()
	}
	return nil
}

func (s *RAGService) markFailed(docID uint, reason string) {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	if err := s.docRepo.UpdateStatus(docID, model.DocumentStatusFailed, reason, 0); err != nil {
		log.Printf("mark document %d failed errored: %v", docID, err)
	}
}

func (s *RAGService) saveIndex() error {
	if s.indexPath == "" {
		return nil
	}
	if err := s.index.SaveSnapshot(s.indexPath); err != nil {
		return fmt.Errorf("save index snapshot failed: %w", err)
	}
	return nil
}

// retryOnce retries op a single time when the downstream service was
// unavailable. Only used for idempotent reads.
func retryOnce(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !errors.Is(err, ai.ErrServiceUnavailable) || ctx.Err() != nil {
		return err
	}
	return op()
}
