// Package classifier turns inbound SMS text into an intent and drafts
// free-form replies.
//
// RuleModel is a deterministic keyword classifier. StarlarkModel runs a
// user-supplied script and can delegate to the rules through the rules()
// builtin:
//
//	def classify(text):
//	    if "price" in text.lower():
//	        return {"intent": "question", "confidence": 0.9}
//	    return rules(text)
//
// Adapter wraps either model, falls back to the rules on error and
// downgrades low-confidence results to unknown.
package classifier
