package events

import (
	"strings"

	"rag-tutor/internal/models"
)

// Level selects the short or long form of a phase explanation.
type Level int

const (
	LevelBrief Level = iota
	LevelDetail
)

type explanation struct {
	brief, detail string
}

// Detailed texts may reference {model_name} and {dimension}.
var explanations = map[models.Phase]explanation{
	models.PhaseSession: {
		brief: "Initializing a fresh RAG session",
		detail: "A new RAG session creates an isolated environment where documents are processed " +
			"independently from previous sessions. Each query is answered based only on the " +
			"documents uploaded in the current session.",
	},
	models.PhaseIngestion: {
		brief: "Starting the document ingestion process",
		detail: "Document ingestion is the first stage of RAG where source documents are collected " +
			"and prepared for processing. This includes validating file formats, checking URL " +
			"accessibility and preparing the content extraction pipeline.",
	},
	models.PhaseExtraction: {
		brief: "Extracting text content from documents",
		detail: "Extraction pulls raw text from PDF, DOCX, HTML and transcripts. Each format has its " +
			"own parser that keeps the text structure and the document metadata.",
	},
	models.PhaseChunking: {
		brief: "Breaking documents into manageable chunks",
		detail: "Chunking divides long documents into smaller, semantically meaningful sections. " +
			"Chunk size and overlap are balanced to keep context while staying small enough to " +
			"embed, and split points follow paragraph and sentence boundaries where possible.",
	},
	models.PhaseEmbedding: {
		brief: "Converting text chunks to vector embeddings",
		detail: "Embeddings transform text into dense numerical vectors that capture meaning. " +
			"The embedding model ({model_name}) maps similar concepts to nearby vectors, which " +
			"allows search beyond keyword matching. Each chunk becomes a {dimension}-dimensional vector.",
	},
	models.PhaseStorage: {
		brief: "Storing vectors in the knowledge base",
		detail: "Vectors are stored in the session's index for fast similarity search. Each vector " +
			"keeps a link to its source document so answers can cite where they came from.",
	},
	models.PhaseRetrieval: {
		brief: "Finding relevant information for the query",
		detail: "The question is embedded into the same vector space as the documents and the " +
			"index returns the k most similar chunks. This step favours recall: finding all " +
			"potentially relevant information.",
	},
	models.PhaseGeneration: {
		brief: "Generating an answer based on retrieved context",
		detail: "A language model ({model_name}) synthesizes an answer from the retrieved chunks. " +
			"The prompt contains the question and the context, and the model is asked to stay " +
			"grounded in that context.",
	},
	models.PhaseComplete: {
		brief:  "Process complete",
		detail: "The pipeline has finished. Answers are grounded in the documents of the current session.",
	},
}

// Explain returns the explanation for phase at the given level with {name}
// placeholders replaced from vars. Phases without an explanation yield "".
func Explain(phase models.Phase, level Level, vars map[string]string) string {
	ex, ok := explanations[phase]
	if !ok {
		return ""
	}
	text := ex.brief
	if level == LevelDetail {
		text = ex.detail
	}
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// DefaultAnimation is the client animation hint for a phase.
func DefaultAnimation(phase models.Phase) string {
	switch phase {
	case models.PhaseExtraction:
		return "pulse"
	case models.PhaseEmbedding:
		return "progress"
	case models.PhaseRetrieval:
		return "search"
	case models.PhaseGeneration:
		return "typing"
	case models.PhaseStorage:
		return "flash"
	}
	return "none"
}
