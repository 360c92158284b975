// Package tokenizer turns training text into token streams for sequence
// models.
//
// Two tokenizers are provided:
//   - Bytes: one token per byte, vocabulary 256. Suited to character-level
//     models.
//   - TikToken: OpenAI BPE encodings (cl100k_base, p50k_base, r50k_base)
//     through tiktoken-go.
//
// BPE vocabularies are far larger than the alphabet of a typical corpus.
// Vocabulary remaps the ids that actually occur to a dense range so that
// one-hot inputs stay small:
//
//	tok := tokenizer.NewBytes()
//	ids, _ := tok.Encode(text)
//	vocab := tokenizer.NewVocabulary(ids)
//	dense := vocab.Index(ids) // values in [0, vocab.Size())
package tokenizer
