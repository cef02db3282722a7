package browser

// bindingName is the page function message hooks call back into.
const bindingName = "__wabridgeEmit"

// probeJS samples the page and reports which screen it shows.
const probeJS = `() => {
	const qr = document.querySelector('div[data-ref]');
	if (qr) {
		return { state: 'qr', qr: qr.getAttribute('data-ref') || '' };
	}
	const progress = document.querySelector('progress');
	if (progress) {
		const title = document.querySelector('#app') ? document.querySelector('#app').innerText.split('\n')[0] : '';
		return { state: 'loading', percent: Math.round(Number(progress.value) || 0), message: title || '' };
	}
	if (document.querySelector('#pane-side, [data-testid="chat-list"]')) {
		return { state: 'ready' };
	}
	if (document.querySelector('[data-testid="conflict-use-here"]')) {
		return { state: 'conflict' };
	}
	if (document.querySelector('[data-icon="lock-small"], [data-testid="startup"]')) {
		return { state: 'authenticating' };
	}
	return { state: 'opening' };
}`

// hookJS subscribes to new messages once the web app's collections are
// loaded. Every new message is reported as "create"; messages from others
// are also reported as "in".
const hookJS = `(binding) => {
	if (window.__wabridgeHooked) return true;
	const { Msg } = window.require('WAWebCollections');
	const ser = (w) => (w && w._serialized) || '';
	const serialize = (m) => ({
		id: ser(m.id),
		from: ser(m.from),
		to: ser(m.to),
		author: ser(m.author),
		body: m.body || '',
		timestamp: m.t || 0,
		fromMe: !!m.id.fromMe,
		hasMedia: !!m.mediaData && m.mediaData.type !== undefined,
		type: m.type || 'chat',
	});
	Msg.on('add', (m) => {
		if (!m.isNewMsg) return;
		const message = serialize(m);
		window[binding]({ kind: 'create', message });
		if (!message.fromMe) window[binding]({ kind: 'in', message });
	});
	window.__wabridgeHooked = true;
	return true;
}`

// sendJS sends a text message and resolves to the new message id.
const sendJS = `async (chatId, body) => {
	const { Chat } = window.require('WAWebCollections');
	const wid = window.require('WAWebWidFactory').createWid(chatId);
	const chat = Chat.get(wid) || (await Chat.find(wid));
	if (!chat) throw new Error('chat not found: ' + chatId);
	await window.require('WAWebSendTextMsgChatAction').sendTextMsgToChat(chat, body);
	const msgs = chat.msgs.getModelsArray();
	const last = msgs[msgs.length - 1];
	return last && last.id ? last.id._serialized : '';
}`

// contactJS resolves a contact by chat id.
const contactJS = `async (id) => {
	const { Contact } = window.require('WAWebCollections');
	const wid = window.require('WAWebWidFactory').createWid(id);
	const c = Contact.get(wid) || (await Contact.find(wid));
	if (!c) throw new Error('contact not found: ' + id);
	return { id: c.id._serialized, pushName: c.pushname || '', name: c.name || '', number: c.id.user || '' };
}`
