package agents

const extractSystemText = "You extract booking facts from travel confirmations. Return only a valid JSON object. Never invent values."

const extractPrompt = `Extract the booking facts from the travel document below.

Return a JSON object:
{"booking_type": "<hotel|flight|car|activity|other>",
 "fields": {"<snake_case_field>": {"value": <string|number|array>, "confidence": <0.0-1.0>}},
 "missing_fields": ["<field you expected but could not find>"]}

Use snake_case names such as hotel_name, hotel_address, hotel_confirmation_code,
check_in, check_out, flight_number, flight_confirmation_code, departure_airport,
arrival_airport, departure_time, arrival_time, travelers, total_price, destination.
Dates use YYYY-MM-DD; instants use RFC 3339 with the offset printed on the document.
If the document has no booking facts return {"booking_type": "other", "fields": {}}.

Document:
%s`

const judgeSystemText = "You decide whether two values recorded for the same trip field contradict each other. Return only a valid JSON object."

const judgePrompt = `Trip field: %s (kind: %s)
Booking type: %s
Trip destination: %s

Currently recorded value: %q
Newly extracted value: %q

Do these values describe different facts (a conflict) or can both be true at once
(the new value refines, extends or restates the current one)?

Return {"conflict": <true|false>, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

const intentSystemText = "You classify a traveler's reply to a confirmation question. Return only a valid JSON object."

const intentPrompt = `We asked the traveler whether to replace the %s of their trip.
Current value: %q
Proposed value: %q

Their reply:
%s

Classify the reply:
- "accept": they want the proposed value
- "reject": they want to keep the current value
- "clarify": they gave new or corrected information instead of choosing

Return {"intent": "<accept|reject|clarify>", "confidence": <0.0-1.0>}`
