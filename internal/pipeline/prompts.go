package pipeline

// corpusSystemPrompt precedes the cached document corpus in every stage
// call. The corpus itself rides in a cached system block behind it.
const corpusSystemPrompt = `You are a corporate-governance analyst working over a fixed corpus of source documents for one legal entity. Documents are delimited by "=== DOCUMENT: <id> (<type>) ===" headers, optionally with a date, and pages by "--- PAGE <n> ---" markers. Read only from the corpus; never invent documents, pages, or persons. Always respond with a single valid JSON object and nothing else.`

const primerPrompt = `Confirm the corpus is loaded. Respond with {"ok": true}.`

const discoveryPrompt = `Entity under review: %s

Source documents (JSON manifest):
%s

List every person mentioned in a governance context anywhere in the corpus: board members, managing directors, officers, authorized signatories, proxies, and persons named in signature blocks or register entries. Report each mention separately for every document and page where it occurs, in reading order. Do not deduplicate and do not skip former or ambiguous role holders.

Return a valid JSON object:
{"candidates": [{"first_name": "<string or empty>", "middle_name": "<string or empty>", "last_name": "<string>", "personal_title": "<honorific or empty>", "job_title": "<governance title as written, or empty>", "document_id": "<id from the manifest>", "page": <1-based page number>, "role_hint": "<short role phrase from the text>", "temporal_status": "current|former|unknown", "signatory_type": "sole|joint|none|unknown"}]}`

const normalizationPrompt = `Raw person mentions (JSON):
%s

Normalize each mention without dropping or adding any. Split full names into first, middle, and last components; keep diacritics exactly as written in the source; move honorifics (Dr., Prof., Dipl.-Ing.) into personal_title; put mononyms into last_name; keep the governance title in the source language as attested. Keep document_id and page unchanged.

Return a valid JSON object with the same shape:
{"candidates": [{"first_name": "...", "middle_name": "...", "last_name": "...", "personal_title": "...", "job_title": "...", "document_id": "...", "page": <int>, "role_hint": "...", "temporal_status": "current|former|unknown", "signatory_type": "sole|joint|none|unknown"}]}`

const classificationPrompt = `Entity under review: %s

Ranked sources (admission rank 1 = most authoritative):
%s

Merged person candidates (JSON):
%s

Decide for each candidate whether the person currently holds a qualifying governance role at the entity: executive board member, managing director, director, or authorized officer with standing signing authority. Supervisory-only mandates, former role holders, and persons attested solely in low-authority documents do not qualify unless a jurisdiction rule says otherwise. Justify every verdict from the corpus, citing the role and the evidence.

Signals vocabulary (use these exact names): executive_board_member, managing_director, authorized_officer, governance_anchor, sole_signatory, joint_signatory, registry_confirmed, multi_source, supervisory_only, former_role, stale_source, undated_source, name_incomplete.

Return a valid JSON object with one verdict per candidate id:
{"verdicts": [{"id": <candidate id>, "is_csm": <bool>, "governance_basis": "<one sentence naming the role and the evidence>", "signals": ["<signal name>", ...], "scope": "<mandate scope note or empty>"}]}`

const countryOverridePrompt = `Ranked sources (JSON):
%s

Classified candidates (JSON):
%s

Check each candidate against jurisdiction-specific governance rules: two-tier board systems (DE, AT, NL) exclude supervisory-board mandates from governance eligibility, single-tier systems (CH, FR, GB) admit board membership as such. Report only candidates whose verdict or reasoning changes under the prevailing document's jurisdiction, with the ISO country code that triggers the change. Include is_csm only when the verdict flips.

Return a valid JSON object:
{"overrides": [{"id": <candidate id>, "country_override": "<ISO 3166-1 alpha-2>", "override_note": "<rule applied>", "is_csm": <bool>}]}`

const titleExtractionPrompt = `Classified candidates (JSON):
%s

Re-read the corpus for each candidate and extract the strongest governance title attested for them. A title counts only when it co-occurs with the person's name in the same clause, signature block, or register entry. Prefer registry wording over letterhead wording. Report honorifics separately from governance titles. Skip candidates with no anchored title.

Return a valid JSON object:
{"titles": [{"id": <candidate id>, "job_title": "<title as attested>", "personal_title": "<honorific, or omit>"}]}`

const criticPrompt = `Final extraction output (JSON):
%s

Review the output against the corpus. Check that every governance-role person in the corpus appears exactly once; that names match the source spelling; that page numbers point at real attestations; that reasons cite real documents; that eligibility matches the cited basis; and that ids run densely from 1 with eligible records first.

Return a valid JSON object:
{"score": <0.0-1.0 overall quality>, "issues": [{"recordId": <id or 0>, "field": "<field name or empty>", "problem": "<what is wrong>"}], "summary": "<one sentence>"}`

const refinerPrompt = `Prior output (JSON):
%s

Reviewer findings (JSON):
%s

Enriched candidate records the output was assembled from (JSON):
%s

Produce a corrected output that fixes the findings. Keep exactly the same set of persons: never add or remove records, keep eligible records first, keep ids dense from 1. Only correct names, titles, document names, page numbers, and reasons against the corpus and the enriched records.

Return a valid JSON object:
{"records": [{"id": <int>, "firstName": "<string>", "middleName": <string or null>, "lastName": "<string>", "personalTitle": <string or null>, "jobTitle": <string or null>, "documentName": "<string>", "pageNumber": <int>, "reason": "<string>", "isCsm": <bool>}]}`
